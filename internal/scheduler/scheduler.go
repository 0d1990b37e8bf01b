// Package scheduler drives the perception-decision-action cycle at a fixed
// cadence on a single goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultDelay is the pause between the end of one tick and the start of the next.
const DefaultDelay = 100 * time.Millisecond

// ErrStopped is returned by Start once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler: stopped")

// State of the loop. Stopped is terminal.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TickFunc runs one cycle. ctx is canceled when the scheduler stops.
type TickFunc func(ctx context.Context) error

// Stats counts ticks since Start.
type Stats struct {
	Ticks    uint64
	Failures uint64
	Panics   uint64
}

// Options configure a Scheduler. Zero values select the defaults.
type Options struct {
	Delay time.Duration
	// TickTimeout bounds one tick; zero means unbounded.
	TickTimeout time.Duration
	Clock       Clock
	Logger      *zap.Logger
}

// Scheduler runs a TickFunc sequentially with a fixed delay between ticks.
type Scheduler struct {
	tick        TickFunc
	delay       time.Duration
	tickTimeout time.Duration
	clock       Clock
	logger      *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	ticks, failures, panics atomic.Uint64

	// beforeTick runs just ahead of each admission check. Tests only.
	beforeTick func()
}

// New creates an idle scheduler.
func New(tick TickFunc, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		tick:        tick,
		delay:       opts.Delay,
		tickTimeout: opts.TickTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("scheduler"),
		done:        make(chan struct{}),
	}
}

// Start launches the loop. The first tick runs immediately. Calling Start on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	go s.loop(runCtx)
	s.logger.Info("Scheduler started.", zap.Duration("delay", s.delay))
	return nil
}

// Stop cancels the pending timer and the running tick's context. It does not
// wait for the loop goroutine; use Done for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateStopped
	s.cancel()
	s.logger.Info("Scheduler stopping.")
}

// Done is closed when the loop goroutine exits. It never closes for a
// scheduler that was never started.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Ticks: s.ticks.Load(), Failures: s.failures.Load(), Panics: s.panics.Load()}
}

// admit decides under the state lock whether the next tick may begin, so a
// Stop that has returned is always observed.
func (s *Scheduler) admit(ctx context.Context) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || ctx.Err() != nil {
		return 0, false
	}
	return s.ticks.Add(1), true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		st := s.Stats()
		s.logger.Info("Scheduler stopped.",
			zap.Uint64("ticks", st.Ticks),
			zap.Uint64("failures", st.Failures),
			zap.Uint64("panics", st.Panics),
		)
	}()

	for {
		if s.beforeTick != nil {
			s.beforeTick()
		}
		n, ok := s.admit(ctx)
		if !ok {
			return
		}
		s.runTick(ctx, n)

		timer := s.clock.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, n uint64) {
	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("Panic recovered during tick.",
				zap.Uint64("tick", n),
				zap.Any("panic_value", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := s.tick(ctx); err != nil {
		s.failures.Add(1)
		if ctx.Err() != nil {
			s.logger.Debug("Tick abandoned.", zap.Uint64("tick", n), zap.Error(err))
			return
		}
		s.logger.Warn("Tick failed.", zap.Uint64("tick", n), zap.Error(err))
	}
}
