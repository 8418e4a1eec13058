package redislock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu       sync.Mutex
	keys     map[string]string
	setErr   error
	releases int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{keys: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewBoolResult(false, f.setErr)
	}
	if _, held := f.keys[key]; held {
		return goredis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func TestLock_AcquireAndRelease(t *testing.T) {
	rdb := newFakeRedis()
	l := New(rdb, nil, WithRetry(time.Millisecond))

	unlock, err := l.Lock(context.Background(), "session:1")
	require.NoError(t, err)
	assert.Contains(t, rdb.keys, keyPrefix+"session:1")

	unlock()
	unlock()
	assert.Empty(t, rdb.keys)
	assert.Equal(t, 1, rdb.releases)
}

func TestLock_WaitsForHolder(t *testing.T) {
	rdb := newFakeRedis()
	l := New(rdb, nil, WithRetry(time.Millisecond))

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		next, err := l.Lock(context.Background(), "k")
		if err == nil {
			next()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestLock_ContextDone(t *testing.T) {
	rdb := newFakeRedis()
	rdb.keys[keyPrefix+"k"] = "someone-else"
	l := New(rdb, nil, WithRetry(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLock_ReleaseKeepsForeignToken(t *testing.T) {
	rdb := newFakeRedis()
	l := New(rdb, nil)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	// TTL expired and another holder took the key.
	rdb.keys[keyPrefix+"k"] = "other"
	unlock()
	assert.Equal(t, "other", rdb.keys[keyPrefix+"k"])
}

func TestLock_RedisError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.setErr = errors.New("connection refused")
	l := New(rdb, nil)

	_, err := l.Lock(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
