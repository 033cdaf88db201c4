// Package flow implements the deterministic flow combinators exposed to
// sandboxed programs: withTimeout, retryBudget,
// transaction, parallel, and sleep. Every combinator returns a
// result.Result so failure is always an ordinary value, never a panic.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/mineflare/agent/pkg/result"
)

// Clock abstracts the sandbox's notion of time so withTimeout/sleep can be
// driven by a virtual clock in tests instead of wall time.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the default Clock, backed by the standard library.
type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}

// Op is a user-supplied operation: it observes cancellation via ctx and
// returns a Result, never panicking (a panicking Op is treated as
// OPERATION_FAILED by callers that recover around it, e.g. the sandbox).
type Op func(ctx context.Context) result.Result

// Sleep suspends for at least d, honoring cancellation via ctx.
func Sleep(ctx context.Context, clock Clock, d time.Duration) result.Result {
	if clock == nil {
		clock = RealClock
	}
	if err := clock.Sleep(ctx, d); err != nil {
		return result.Fail(result.NewError(result.KindRuntime, "sleep cancelled"))
	}
	return result.Ok(nil)
}

// WithTimeout races op against a ms deadline. If op completes first its
// outcome is forwarded; if the deadline fires first, op's context is
// cancelled and a TIMEOUT error is returned. label is included in the
// timeout message when non-empty.
func WithTimeout(ctx context.Context, clock Clock, op Op, ms int, label string) result.Result {
	if clock == nil {
		clock = RealClock
	}
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result.Result, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case r := <-done:
		return r
	case <-clock.After(time.Duration(ms) * time.Millisecond):
		cancel()
		name := label
		if name == "" {
			name = "operation"
		}
		return result.Failf(result.KindTimeout, "%s timed out after %dms", name, ms)
	case <-ctx.Done():
		return result.Fail(result.NewError(result.KindRuntime, "cancelled"))
	}
}

// RetryOptions configures RetryBudget.
type RetryOptions struct {
	Tries       int
	BaseDelayMs int
	MaxDelayMs  int
	ShouldRetry func(err *result.Error) bool
	OnRetry     func(attempt int, err *result.Error)
}

// RetryResult is the detail payload attached to a RetryBudget outcome.
type RetryResult struct {
	Attempts int         `json:"attempts"`
	Value    interface{} `json:"value,omitempty"`
}

// RetryBudget attempts op up to opts.Tries times with exponential backoff
// between attempts (base*2^(attempt-1), capped at MaxDelayMs). A false
// ShouldRetry stops early. Final result wraps attempts made.
func RetryBudget(ctx context.Context, clock Clock, op Op, opts RetryOptions) result.Result {
	if clock == nil {
		clock = RealClock
	}
	if opts.Tries <= 0 {
		opts.Tries = 1
	}
	var lastErr *result.Error
	attempts := 0
	for attempt := 1; attempt <= opts.Tries; attempt++ {
		attempts = attempt
		r := op(ctx)
		if r.Ok {
			return result.Ok(RetryResult{Attempts: attempt, Value: r.Value})
		}
		lastErr = r.Err
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			break
		}
		if attempt == opts.Tries {
			break
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr)
		}
		delay := opts.BaseDelayMs
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		if opts.MaxDelayMs > 0 && delay > opts.MaxDelayMs {
			delay = opts.MaxDelayMs
		}
		if delay > 0 {
			if err := clock.Sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
				break
			}
		}
	}
	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return result.Fail(result.NewError(result.KindOperationFailed,
		fmt.Sprintf("Failed after %d attempts: %s", attempts, msg),
		RetryResult{Attempts: attempts}))
}

// Step is one leg of a Transaction: an operation plus its compensating
// rollback, run only if a later step fails.
type Step struct {
	Name      string
	Operation Op
	Rollback  func(ctx context.Context)
}

// TransactionFailure is the detail payload of a failed transaction.
type TransactionFailure struct {
	CompletedSteps []string `json:"completedSteps"`
	FailedStep     string   `json:"failedStep"`
}

// Transaction runs steps sequentially. On the first failure it rolls back
// completed steps in reverse order, each guarded so a rollback failure is
// logged (via onRollbackError) but never masks the original failure.
func Transaction(ctx context.Context, steps []Step, onRollbackError func(step string, err interface{})) result.Result {
	completed := make([]string, 0, len(steps))
	for i, step := range steps {
		r := step.Operation(ctx)
		if !r.Ok {
			rollback(ctx, steps, i-1, onRollbackError)
			kind := result.KindOperationFailed
			if r.Err != nil {
				kind = r.Err.Kind
			}
			msg := "step failed"
			if r.Err != nil {
				msg = r.Err.Message
			}
			return result.Fail(result.NewError(kind, msg, TransactionFailure{
				CompletedSteps: completed,
				FailedStep:     step.Name,
			}))
		}
		completed = append(completed, step.Name)
	}
	return result.Ok(TransactionFailure{CompletedSteps: completed})
}

// rollback invokes steps[0..upto].Rollback in reverse order, guarding each
// call against its own panic or failure.
func rollback(ctx context.Context, steps []Step, upto int, onErr func(step string, err interface{})) {
	for j := upto; j >= 0; j-- {
		if steps[j].Rollback == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil && onErr != nil {
					onErr(steps[j].Name, rec)
				}
			}()
			steps[j].Rollback(ctx)
		}()
	}
}

// ParallelFailure is the detail payload of a failed Parallel call.
type ParallelFailure struct {
	Results []result.Result `json:"results"`
}

// Parallel schedules ops with at most concurrency running at a time over a
// bounded worker pool, and returns results in input order regardless of
// completion order. Overall result is Ok iff every op succeeded.
func Parallel(ctx context.Context, ops []Op, concurrency int) result.Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(ops) && len(ops) > 0 {
		concurrency = len(ops)
	}

	results := make([]result.Result, len(ops))
	if len(ops) == 0 {
		return result.Ok([]result.Result{})
	}

	pool := workerpool.New(concurrency)
	for i, op := range ops {
		i, op := i, op
		pool.Submit(func() {
			results[i] = op(ctx)
		})
	}
	pool.StopWait()

	allOk := true
	for _, r := range results {
		if !r.Ok {
			allOk = false
			break
		}
	}
	if allOk {
		return result.Ok(results)
	}
	return result.Fail(result.NewError(result.KindOperationFailed, "one or more parallel operations failed", ParallelFailure{Results: results}))
}
