package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
)

// executeWithTimeout runs the handler in its own goroutine with panic
// recovery. The slot stops waiting when ctx expires even if the handler
// ignores cancellation; such a handler goroutine is abandoned.
func (p *Pool) executeWithTimeout(ctx context.Context, h handlers.Handler, task *handlers.Task, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		output json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: &job.PanicError{Value: r}}
				p.logger.ErrorCtx(ctx, "job panic recovered", fmt.Errorf("panic: %v", r),
					logger.Field{Key: "job_id", Value: task.ID})
			}
			done <- o
		}()

		o.output, o.err = h.Handle(ctx, task)
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", job.ErrTimeout, timeout)
		}
		return o.output, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", job.ErrTimeout, timeout)
	}
}
