package async

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/audio-relay/generic"
)

var ErrNoTasks = errors.New("no tasks to run")

// A Task is one unit of work in a race. It must stop promptly when its context is cancelled.
type Task[T any] func(ctx context.Context) (T, error)

// An Outcome is the result of a single Task, identified by its index in the task list.
type Outcome[T any] struct {
	Index  int
	Result generic.Result[T]
}

// FirstOk runs every task concurrently and returns the first successful Outcome without waiting for the rest. The
// remaining tasks are cancelled, and their outcomes (late successes or failures) are passed to late, if set, from a
// background goroutine. If every task fails, the returned error aggregates all of their errors in task order.
func FirstOk[T any](ctx context.Context, tasks []Task[T], late func(Outcome[T])) (Outcome[T], error) {
	if len(tasks) == 0 {
		return Outcome[T]{Index: -1}, ErrNoTasks
	}
	ctx, cancel := context.WithCancel(ctx)

	// Buffered so that no task ever blocks on send after the race is decided.
	outcomes := make(chan Outcome[T], len(tasks))
	for i, task := range tasks {
		go func(i int, task Task[T]) {
			value, err := task(ctx)
			outcomes <- Outcome[T]{Index: i, Result: generic.NewResult(value, err)}
		}(i, task)
	}

	errs := make([]error, len(tasks))
	for received := 1; received <= len(tasks); received++ {
		select {
		case outcome := <-outcomes:
			if outcome.Result.IsOk() {
				cancel()
				go drain(outcomes, len(tasks)-received, late)
				return outcome, nil
			}
			errs[outcome.Index] = outcome.Result.Error
		case <-ctx.Done():
			cancel()
			go drain(outcomes, len(tasks)-received+1, late)
			return Outcome[T]{Index: -1}, ctx.Err()
		}
	}
	cancel()

	var result *multierror.Error
	for _, err := range errs {
		result = multierror.Append(result, err)
	}
	return Outcome[T]{Index: -1}, result
}

func drain[T any](outcomes <-chan Outcome[T], remaining int, late func(Outcome[T])) {
	for i := 0; i < remaining; i++ {
		outcome := <-outcomes
		if late != nil {
			late(outcome)
		}
	}
}
