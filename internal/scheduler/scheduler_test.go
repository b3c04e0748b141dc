package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJobsRunWithoutOverlap(t *testing.T) {
	s := New(zap.NewNop())
	var runs, running, overlaps atomic.Int32
	require.NoError(t, s.Every("slow", 20*time.Millisecond, func(ctx context.Context) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		runs.Add(1)
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
	}))
	require.NoError(t, s.Every("off", 0, func(context.Context) { t.Error("disabled job ran") }))
	require.Equal(t, []string{"slow"}, s.Jobs())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	require.Zero(t, overlaps.Load())
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(zap.NewNop())
	done := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.Every("wait", 10*time.Millisecond, func(ctx context.Context) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		<-ctx.Done()
		close(done)
	}))

	s.Start(context.Background())
	require.Eventually(t, once.Load, time.Second, 5*time.Millisecond)
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}
