package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"clinical-sim/internal/platform/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errFlaky = errors.New("flaky")

func TestRunStep_ReturnsValue(t *testing.T) {
	v, err := RunStep(context.Background(), logger.Nop(), Step[int]{
		Name: "answer",
		Run:  func(context.Context) (int, error) { return 42, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunStep_Timeout(t *testing.T) {
	start := time.Now()
	_, err := RunStep(context.Background(), logger.Nop(), Step[string]{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "slow")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunStep_RetriesOnlyWhenAllowed(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		retryIf   func(error) bool
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"no retry policy", 1, nil, 1, 1, true},
		{"retry recovers", 1, func(err error) bool { return errors.Is(err, errFlaky) }, 1, 2, false},
		{"retry exhausted", 1, func(err error) bool { return errors.Is(err, errFlaky) }, 5, 2, true},
		{"retry refused", 3, func(error) bool { return false }, 5, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := RunStep(context.Background(), logger.Nop(), Step[int]{
				Name:    "flaky",
				Retries: tt.retries,
				RetryIf: tt.retryIf,
				Run: func(context.Context) (int, error) {
					calls++
					if calls <= tt.failures {
						return 0, errFlaky
					}
					return 1, nil
				},
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errFlaky)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunStep_RecoversPanic(t *testing.T) {
	_, err := RunStep(context.Background(), logger.Nop(), Step[int]{
		Name: "explode",
		Run:  func(context.Context) (int, error) { panic("boom") },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "b")
	require.NoError(t, err, "different keys do not contend")
	other()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.locks)
}
