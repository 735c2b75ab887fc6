package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepSLABreaches(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

func TestNewSLASweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSLASweeper(&countingSweeper{}, "every minute please", zap.NewNop())
	require.Error(t, err)

	_, err = NewSLASweeper(&countingSweeper{}, "*/5 * * * *", nil)
	require.NoError(t, err)
}

func TestSLASweeperRunsOnSchedule(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"ok", nil},
		{"sweep error keeps running", errors.New("db down")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sweeper := &countingSweeper{err: tc.err}
			w, err := NewSLASweeper(sweeper, "@every 1s", zap.NewNop())
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("sweeper did not stop")
			}
		})
	}
}
