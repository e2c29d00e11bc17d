package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingStepper struct {
	steps int
	err   error
}

func (c *countingStepper) Step(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.steps++
	return nil
}

func ms(v int64) time.Time { return time.UnixMilli(v).UTC() }

func TestAdvanceToCatchesUp(t *testing.T) {
	eng := &countingStepper{}
	s, err := NewSynchronizer(eng, ms(0), ms(10000), time.Second)
	if err != nil {
		t.Fatalf("NewSynchronizer error: %v", err)
	}
	var seen []time.Time
	s.AddListener(func(_ context.Context, now time.Time) error {
		seen = append(seen, now)
		return nil
	})

	steps, err := s.AdvanceTo(context.Background(), ms(3000))
	if err != nil {
		t.Fatalf("AdvanceTo error: %v", err)
	}
	if steps != 3 || eng.steps != 3 {
		t.Fatalf("steps = %d (engine %d), want 3", steps, eng.steps)
	}
	if got := s.Now(); !got.Equal(ms(3000)) {
		t.Fatalf("Now() = %v, want %v", got, ms(3000))
	}
	want := []time.Time{ms(1000), ms(2000), ms(3000)}
	for i := range want {
		if !seen[i].Equal(want[i]) {
			t.Fatalf("listener times = %v, want %v", seen, want)
		}
	}

	// Trial time at or behind simulated time takes no step.
	if steps, _ := s.AdvanceTo(context.Background(), ms(3000)); steps != 0 {
		t.Fatalf("steps for equal time = %d, want 0", steps)
	}
	if steps, _ := s.AdvanceTo(context.Background(), ms(1000)); steps != 0 {
		t.Fatalf("steps for earlier time = %d, want 0", steps)
	}
}

func TestAdvanceToOvershootsToStepGrid(t *testing.T) {
	s, _ := NewSynchronizer(&countingStepper{}, ms(0), ms(10000), time.Second)
	steps, err := s.AdvanceTo(context.Background(), ms(2500))
	if err != nil || steps != 3 {
		t.Fatalf("AdvanceTo(2500) = (%d, %v), want (3, nil)", steps, err)
	}
	if got := s.Now(); !got.Equal(ms(3000)) {
		t.Fatalf("Now() = %v, want %v", got, ms(3000))
	}
}

func TestAdvanceToStopsAtScenarioEnd(t *testing.T) {
	s, _ := NewSynchronizer(&countingStepper{}, ms(0), ms(2000), time.Second)
	steps, err := s.AdvanceTo(context.Background(), ms(60000))
	if err != nil || steps != 2 {
		t.Fatalf("AdvanceTo past end = (%d, %v), want (2, nil)", steps, err)
	}
}

func TestUninitializedIsNoop(t *testing.T) {
	var nilSync *Synchronizer
	if steps, err := nilSync.AdvanceTo(context.Background(), ms(5000)); steps != 0 || err != nil {
		t.Fatalf("nil AdvanceTo = (%d, %v), want (0, nil)", steps, err)
	}
	var zero Synchronizer
	if steps, err := zero.AdvanceTo(context.Background(), ms(5000)); steps != 0 || err != nil {
		t.Fatalf("zero AdvanceTo = (%d, %v), want (0, nil)", steps, err)
	}
	if !nilSync.Now().IsZero() {
		t.Fatalf("nil Now() = %v, want zero", nilSync.Now())
	}
}

func TestAdvanceToErrors(t *testing.T) {
	boom := errors.New("boom")

	s, _ := NewSynchronizer(&countingStepper{err: boom}, ms(0), ms(10000), time.Second)
	if _, err := s.AdvanceTo(context.Background(), ms(1000)); !errors.Is(err, boom) {
		t.Fatalf("engine error = %v, want boom", err)
	}

	s, _ = NewSynchronizer(&countingStepper{}, ms(0), ms(10000), time.Second)
	s.AddListener(func(context.Context, time.Time) error { return boom })
	if steps, err := s.AdvanceTo(context.Background(), ms(5000)); !errors.Is(err, boom) || steps != 1 {
		t.Fatalf("listener error = (%d, %v), want (1, boom)", steps, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ = NewSynchronizer(&countingStepper{}, ms(0), ms(10000), time.Second)
	if _, err := s.AdvanceTo(ctx, ms(5000)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled err = %v, want context.Canceled", err)
	}

	s, _ = NewSynchronizer(&countingStepper{}, ms(0), ms(10000), time.Second, WithMaxCatchUpSteps(2))
	steps, err := s.AdvanceTo(context.Background(), ms(5000))
	if !errors.Is(err, ErrCatchUpLimit) || steps != 2 {
		t.Fatalf("bounded = (%d, %v), want (2, ErrCatchUpLimit)", steps, err)
	}
}

func TestNewSynchronizerValidates(t *testing.T) {
	if _, err := NewSynchronizer(nil, ms(0), ms(1), time.Second); err == nil {
		t.Fatalf("nil engine accepted")
	}
	if _, err := NewSynchronizer(&countingStepper{}, ms(0), ms(1), 0); err == nil {
		t.Fatalf("zero step accepted")
	}
	if _, err := NewSynchronizer(&countingStepper{}, ms(2), ms(1), time.Second); err == nil {
		t.Fatalf("end before begin accepted")
	}
}
