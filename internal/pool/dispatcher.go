// Package pool provides bounded concurrent dispatch of jobs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	// ErrJobPanicked wraps the value recovered from a panicking job.
	ErrJobPanicked = errors.New("job panicked")
)

// Job is a unit of work.
type Job func(ctx context.Context) error

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	MaxWorkers   int       `yaml:"max_workers" json:"max_workers"`
	PanicHandler func(any) `yaml:"-" json:"-"`
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxWorkers: 8}
}

// Dispatcher runs batches of jobs with a bound on how many run at once.
// A failing job never cancels its siblings.
type Dispatcher struct {
	maxWorkers   int
	panicHandler func(any)
	closed       atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	active    atomic.Int32
}

// NewDispatcher creates a dispatcher. MaxWorkers below one means one.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Dispatcher{maxWorkers: cfg.MaxWorkers, panicHandler: cfg.PanicHandler}
}

// MaxWorkers returns the concurrency bound.
func (d *Dispatcher) MaxWorkers() int { return d.maxWorkers }

// Run executes jobs and waits for all of them. The returned slice holds
// each job's error at the job's index. Jobs not yet started when ctx is
// done are skipped and report ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) ([]error, error) {
	if d.closed.Load() {
		return nil, ErrPoolClosed
	}
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(d.maxWorkers)
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		d.submitted.Add(1)
		g.Go(func() error {
			d.active.Add(1)
			defer d.active.Add(-1)
			errs[i] = d.execute(ctx, job)
			if errs[i] != nil {
				d.failed.Add(1)
			} else {
				d.completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs, nil
}

func (d *Dispatcher) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			if d.panicHandler != nil {
				d.panicHandler(r)
			}
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job(ctx)
}

// Close rejects further batches. Running batches are unaffected.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:   d.maxWorkers,
		Active:    int(d.active.Load()),
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Panicked:  d.panicked.Load(),
	}
}

// Stats contains dispatcher statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}
