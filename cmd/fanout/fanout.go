package fanout

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of a single task in a batch
type Outcome struct {
	Key      string
	Err      error
	Duration time.Duration
}

// TaskError ties a task failure to the key of the task that produced it
type TaskError struct {
	Key string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Observer is notified once per finished task, from the worker goroutine
type Observer func(Outcome)

// Observers fans a single outcome out to several observers, skipping nil ones
func Observers(observers ...Observer) Observer {
	return func(o Outcome) {
		for _, obs := range observers {
			if obs != nil {
				obs(o)
			}
		}
	}
}

// Report holds every outcome of a batch, in the order the keys were given
type Report struct {
	Outcomes []Outcome
	Elapsed  time.Duration
}

// Succeeded returns the keys of the tasks that completed without error
func (r *Report) Succeeded() []string {
	keys := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			keys = append(keys, o.Key)
		}
	}
	return keys
}

// Failed returns the outcomes of the tasks that returned an error
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err aggregates every failed task into one error.
// multierr.Errors recovers the individual *TaskError values.
func (r *Report) Err() error {
	var err error
	for _, o := range r.Failed() {
		err = multierr.Append(err, &TaskError{Key: o.Key, Err: o.Err})
	}
	return err
}

// DefaultWorkers is the pool size used when the caller does not configure one
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// Task is the unit of work run for every key
type Task func(ctx context.Context, key string) error

// Run executes task once per key on a bounded, unordered pool and waits for all of them.
// A failing task never cancels its siblings; cancelling ctx stops tasks that have not started yet,
// which then report ctx.Err().
func Run(ctx context.Context, keys []string, workers int, task Task, observer Observer) *Report {
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	start := time.Now()
	outcomes := make([]Outcome, len(keys))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, key := range keys {
		g.Go(func() error {
			taskStart := time.Now()
			var err error
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = runSafely(ctx, key, task)
			}

			// each goroutine owns its slot
			outcomes[i] = Outcome{Key: key, Err: err, Duration: time.Since(taskStart)}
			if observer != nil {
				observer(outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return &Report{Outcomes: outcomes, Elapsed: time.Since(start)}
}

func runSafely(ctx context.Context, key string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", key, r)
		}
	}()
	return task(ctx, key)
}
