package deallocator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome records how a finished attempt ended.
type Outcome struct {
	Strategy   string
	Result     Result
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type Status struct {
	InProgress bool
	Strategy   string
	Last       *Outcome
}

// Deallocators picks the strategy named by the min availability setting and
// allows one attempt at a time.
type Deallocators struct {
	state     StateSource
	fallback  MinAvailability
	allShards Deallocator
	primaries Deallocator
	noOp      Deallocator
	monitor   *Monitor

	mu       sync.Mutex
	active   Deallocator
	strategy MinAvailability
	last     *Outcome
}

func NewDeallocators(state StateSource, fallback MinAvailability, allShards, primaries Deallocator, monitor *Monitor) *Deallocators {
	return &Deallocators{
		state:     state,
		fallback:  fallback,
		allShards: allShards,
		primaries: primaries,
		noOp:      NoOpDeallocator{},
		monitor:   monitor,
	}
}

func (d *Deallocators) selectStrategy() (MinAvailability, Deallocator, error) {
	raw := d.state.State().Setting(MinAvailabilitySetting, d.fallback.String())
	availability, err := ParseMinAvailability(raw)
	if err != nil {
		return 0, nil, err
	}
	switch availability {
	case AvailabilityFull:
		return availability, d.allShards, nil
	case AvailabilityPrimaries:
		return availability, d.primaries, nil
	default:
		return availability, d.noOp, nil
	}
}

// Start runs the configured strategy. At most one attempt is pending at a
// time; a second Start fails with ErrAlreadyInProgress.
func (d *Deallocators) Start() (*Future, error) {
	d.mu.Lock()
	if d.active != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s deallocation pending", ErrAlreadyInProgress, d.strategy)
	}
	availability, strategy, err := d.selectStrategy()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.active = strategy
	d.strategy = availability
	d.mu.Unlock()

	startedAt := time.Now()
	f, err := strategy.Start()
	if err != nil {
		d.mu.Lock()
		if d.active == strategy {
			d.active = nil
		}
		d.mu.Unlock()
		return nil, err
	}

	slog.Info("deallocation started", "min_availability", availability)
	d.monitor.started(availability)
	f.OnComplete(func(r Result, err error) {
		outcome := &Outcome{
			Strategy:   availability.String(),
			Result:     r,
			Err:        err,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
		d.mu.Lock()
		if d.active == strategy {
			d.active = nil
		}
		d.last = outcome
		d.mu.Unlock()

		d.monitor.finished(availability, r, err, outcome.FinishedAt.Sub(startedAt))
		slog.Info("deallocation finished", "min_availability", availability, "result", r, "error", err)
	})
	return f, nil
}

// Cancel aborts the pending attempt, if any.
func (d *Deallocators) Cancel() bool {
	d.mu.Lock()
	strategy := d.active
	d.active = nil
	d.mu.Unlock()

	if strategy == nil {
		return false
	}
	return strategy.Cancel()
}

func (d *Deallocators) IsInProgress() bool {
	d.mu.Lock()
	strategy := d.active
	d.mu.Unlock()
	return strategy != nil && strategy.IsInProgress()
}

func (d *Deallocators) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{Last: d.last}
	if d.active != nil {
		s.InProgress = true
		s.Strategy = d.strategy.String()
	}
	return s
}
