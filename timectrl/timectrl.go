package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/logging"
)

// ErrCatchUpLimit is returned when one AdvanceTo call would need more
// steps than the configured bound.
var ErrCatchUpLimit = errors.New("catch-up step limit reached")

// SimClock gives read access to simulated time, so components can depend
// on a clock rather than on the synchronizer itself.
type SimClock interface {
	// Now returns the current simulated time.
	Now() time.Time
}

// Listener is invoked after every engine step with the new simulated
// time. A listener error stops the catch-up loop.
type Listener func(ctx context.Context, now time.Time) error

// Synchronizer keeps the engine's simulated time in step with an external
// trial clock. Each AdvanceTo call runs a catch-up loop of fixed-size
// engine steps until simulated time reaches the trial time or the
// scenario end.
//
// A nil or zero-value Synchronizer is uninitialised and every AdvanceTo is
// a no-op.
type Synchronizer struct {
	mu sync.RWMutex

	eng   engine.Stepper
	Begin time.Time
	End   time.Time
	Step  time.Duration
	// MaxCatchUpSteps bounds a single AdvanceTo call. Zero is unbounded.
	MaxCatchUpSteps int

	current   time.Time
	listeners []Listener
	log       logging.Logger
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithMaxCatchUpSteps bounds the steps of one AdvanceTo call.
func WithMaxCatchUpSteps(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.MaxCatchUpSteps = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSynchronizer constructs a synchronizer starting at begin. step must be
// positive and begin must not be after end.
func NewSynchronizer(eng engine.Stepper, begin, end time.Time, step time.Duration, opts ...Option) (*Synchronizer, error) {
	if eng == nil {
		return nil, errors.New("timectrl: nil engine")
	}
	if step <= 0 {
		return nil, fmt.Errorf("timectrl: non-positive step %s", step)
	}
	if end.Before(begin) {
		return nil, fmt.Errorf("timectrl: end %s before begin %s", end, begin)
	}
	s := &Synchronizer{
		eng:     eng,
		Begin:   begin,
		End:     end,
		Step:    step,
		current: begin,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Initialized reports whether the synchronizer is bound to an engine.
func (s *Synchronizer) Initialized() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng != nil && s.Step > 0
}

// Now returns the current simulated time. Implements SimClock.
func (s *Synchronizer) Now() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AddListener registers fn to run after every step, in registration order.
func (s *Synchronizer) AddListener(fn Listener) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// AdvanceTo steps the engine while simulated time is behind trial and
// before the scenario end, running every listener after each step. It
// returns the number of steps taken. The loop checks ctx between steps
// and stops with the context error once it is done.
//
// AdvanceTo is driven from a single goroutine; Now may be read
// concurrently and observes every step.
func (s *Synchronizer) AdvanceTo(ctx context.Context, trial time.Time) (int, error) {
	if !s.Initialized() {
		return 0, nil
	}
	s.mu.RLock()
	current := s.current
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	steps := 0
	for trial.After(current) && current.Before(s.End) {
		if s.MaxCatchUpSteps > 0 && steps >= s.MaxCatchUpSteps {
			s.log.Warn(ctx, "catch-up loop bounded",
				logging.Int("steps", steps),
				logging.Time("sim_time", current),
				logging.Time("trial_time", trial),
			)
			return steps, fmt.Errorf("%w: %d steps, sim time %s behind trial time %s",
				ErrCatchUpLimit, steps, current.Format(time.RFC3339Nano), trial.Format(time.RFC3339Nano))
		}
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		if err := s.eng.Step(ctx); err != nil {
			return steps, fmt.Errorf("engine step at %s: %w", current.Format(time.RFC3339Nano), err)
		}
		current = current.Add(s.Step)
		steps++

		s.mu.Lock()
		s.current = current
		s.mu.Unlock()

		for _, fn := range listeners {
			if err := fn(ctx, current); err != nil {
				return steps, err
			}
		}
	}
	if steps > 0 {
		s.log.Debug(ctx, "caught up",
			logging.Int("steps", steps),
			logging.Time("sim_time", current),
		)
	}
	return steps, nil
}
