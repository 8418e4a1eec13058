package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"clinical-sim/internal/platform/logger"
)

const (
	DefaultTTL   = 90 * time.Second
	DefaultRetry = 50 * time.Millisecond
	keyPrefix    = "clinical-sim:lock:"
)

// Deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// client is the subset of *goredis.Client the locker uses.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

type Locker struct {
	rdb   client
	log   *logger.Logger
	ttl   time.Duration
	retry time.Duration
}

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can block a session.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithRetry(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

func New(rdb client, log *logger.Logger, opts ...Option) *Locker {
	if log == nil {
		log = logger.Nop()
	}
	l := &Locker{rdb: rdb, log: log.With("service", "RedisLocker"), ttl: DefaultTTL, retry: DefaultRetry}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Dial connects to addr and pings it before returning.
func Dial(ctx context.Context, addr string, log *logger.Logger, opts ...Option) (*Locker, *goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil, errors.New("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, log, opts...), rdb, nil
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if err := l.rdb.Eval(rctx, releaseScript, []string{k}, token).Err(); err != nil {
				l.log.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}
