package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock gives read access to the current timestep. It lets components
// depend on a step source rather than a concrete controller.
type Clock interface {
	// Step returns the last completed timestep.
	Step() int64
}

// Mode describes how the StepController advances.
type Mode int

const (
	// RealTime paces steps with a wall-clock ticker.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners allow.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// ParseMode maps "realtime" and "accelerated" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "accelerated":
		return Accelerated, nil
	case "realtime", "real-time":
		return RealTime, nil
	}
	return 0, fmt.Errorf("unknown time mode %q", s)
}

// Listener runs once per step. An error stops the controller.
type Listener func(ctx context.Context, step int64) error

// StepController drives integer timesteps and notifies registered
// listeners in registration order. It implements Clock.
type StepController struct {
	mu    sync.RWMutex
	Start int64
	Tick  time.Duration
	Mode  Mode

	// current is the last step whose listeners all returned.
	current int64

	listeners []Listener
}

// NewStepController constructs a controller whose first step is start+1.
func NewStepController(start int64, tick time.Duration, mode Mode) *StepController {
	return &StepController{
		Start:   start,
		Tick:    tick,
		Mode:    mode,
		current: start,
	}
}

// Step returns the last completed step. Implements Clock.
func (sc *StepController) Step() int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.current
}

// SetStep overrides the current step, for restarts.
func (sc *StepController) SetStep(step int64) {
	sc.mu.Lock()
	sc.current = step
	sc.mu.Unlock()
}

// AddListener registers a callback invoked on every step.
func (sc *StepController) AddListener(fn Listener) {
	sc.mu.Lock()
	sc.listeners = append(sc.listeners, fn)
	sc.mu.Unlock()
}

// Run advances nsteps steps from the current one. It returns the first
// listener error, annotated with the failing step, or the context error.
func (sc *StepController) Run(ctx context.Context, nsteps int64) error {
	sc.mu.RLock()
	step := sc.current
	listeners := append([]Listener(nil), sc.listeners...)
	sc.mu.RUnlock()

	var tick <-chan time.Time
	if sc.Mode == RealTime && sc.Tick > 0 {
		ticker := time.NewTicker(sc.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := int64(0); n < nsteps; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		step++
		for _, fn := range listeners {
			if err := fn(ctx, step); err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
		}

		sc.mu.Lock()
		sc.current = step
		sc.mu.Unlock()
	}
	return nil
}
