package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const delay = 100 * time.Millisecond

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler goroutine did not exit")
	}
}

func TestScheduler_FixedDelayBetweenTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	ticked := make(chan uint64, 8)
	var n atomic.Uint64
	s := New(func(ctx context.Context) error {
		ticked <- n.Add(1)
		return nil
	}, Options{Delay: delay, Clock: clock, Logger: zaptest.NewLogger(t)})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, uint64(1), <-ticked, "first tick runs immediately")

	clock.BlockUntil(1)
	clock.Advance(delay - time.Nanosecond)
	select {
	case <-ticked:
		t.Fatal("tick ran before the delay elapsed")
	default:
	}
	clock.Advance(time.Nanosecond)
	assert.Equal(t, uint64(2), <-ticked)

	clock.BlockUntil(1)
	clock.Advance(delay)
	assert.Equal(t, uint64(3), <-ticked)

	clock.BlockUntil(1)
	s.Stop()
	waitDone(t, s)
	assert.Equal(t, 0, clock.Pending(), "stop cancels the pending timer")
	assert.Equal(t, uint64(3), s.Stats().Ticks)
	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_ErrorsAndPanicsAreContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	var n atomic.Int32
	s := New(func(ctx context.Context) error {
		switch n.Add(1) {
		case 1:
			return errors.New("capture failed")
		case 2:
			panic("boom")
		}
		return nil
	}, Options{Delay: delay, Clock: clock, Logger: zaptest.NewLogger(t)})

	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(delay)
	}
	clock.BlockUntil(1)
	s.Stop()
	waitDone(t, s)

	st := s.Stats()
	assert.Equal(t, Stats{Ticks: 3, Failures: 1, Panics: 1}, st)
}

func TestScheduler_StopCancelsRunningTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	abandoned := make(chan error, 1)
	s := New(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		abandoned <- ctx.Err()
		return ctx.Err()
	}, Options{Delay: delay, Clock: NewFakeClock(), Logger: zaptest.NewLogger(t)})

	require.NoError(t, s.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked")
	}

	assert.ErrorIs(t, <-abandoned, context.Canceled)
	waitDone(t, s)
	assert.Equal(t, uint64(1), s.Stats().Ticks)
}

func TestScheduler_NoTickAfterStopReturns(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	var calls atomic.Int32
	s := New(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, Options{Delay: delay, Clock: clock, Logger: zaptest.NewLogger(t)})

	// Stop lands after the timer fired but before the next tick is admitted.
	var iterations int
	s.beforeTick = func() {
		iterations++
		if iterations == 2 {
			s.Stop()
		}
	}

	require.NoError(t, s.Start(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(delay)
	waitDone(t, s)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Ticks)
	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_TickTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	got := make(chan error, 1)
	s := New(func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case got <- ctx.Err():
		default:
		}
		return ctx.Err()
	}, Options{Delay: delay, TickTimeout: 10 * time.Millisecond, Clock: clock, Logger: zaptest.NewLogger(t)})

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, <-got, context.DeadlineExceeded)
	clock.BlockUntil(1)
	s.Stop()
	waitDone(t, s)
	assert.Equal(t, uint64(1), s.Stats().Failures)
}

func TestScheduler_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	var n atomic.Int32
	s := New(func(ctx context.Context) error {
		n.Add(1)
		return nil
	}, Options{Clock: clock})

	assert.Equal(t, StateIdle, s.State())
	s.Stop()
	assert.Equal(t, StateIdle, s.State(), "stop on an idle scheduler is a no-op")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	clock.BlockUntil(1)
	assert.Equal(t, int32(1), n.Load(), "only one loop runs")

	s.Stop()
	s.Stop()
	waitDone(t, s)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestScheduler_ParentContextEndsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(func(ctx context.Context) error { return nil }, Options{Clock: clock})
	require.NoError(t, s.Start(ctx))
	clock.BlockUntil(1)
	cancel()
	waitDone(t, s)
}

func TestScheduler_RealClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	var n atomic.Int32
	enough := make(chan struct{})
	s := New(func(ctx context.Context) error {
		if n.Add(1) == 3 {
			close(enough)
		}
		return nil
	}, Options{Delay: time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-enough:
	case <-time.After(5 * time.Second):
		t.Fatal("ticks did not repeat")
	}
	s.Stop()
	waitDone(t, s)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
