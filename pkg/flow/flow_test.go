package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mineflare/agent/pkg/result"
)

// TestWithTimeoutPrecedence checks that a short deadline racing a slower
// operation fails with TIMEOUT mentioning the deadline.
func TestWithTimeoutPrecedence(t *testing.T) {
	op := func(ctx context.Context) result.Result {
		select {
		case <-time.After(2 * time.Second):
			return result.Ok("too slow")
		case <-ctx.Done():
			return result.Fail(result.NewError(result.KindRuntime, "cancelled"))
		}
	}
	r := WithTimeout(context.Background(), nil, op, 50, "test-op")
	if r.Ok {
		t.Fatalf("expected timeout failure, got %+v", r)
	}
	if r.Err.Kind != result.KindTimeout {
		t.Fatalf("expected TIMEOUT kind, got %s", r.Err.Kind)
	}
}

func TestWithTimeoutForwardsSuccess(t *testing.T) {
	op := func(ctx context.Context) result.Result { return result.Ok("done") }
	r := WithTimeout(context.Background(), nil, op, 1000, "")
	if !r.Ok || r.Value != "done" {
		t.Fatalf("expected forwarded success, got %+v", r)
	}
}

func TestRetryBudgetStopsAtTries(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) result.Result {
		calls++
		return result.Fail(result.NewError(result.KindOperationFailed, "nope"))
	}
	r := RetryBudget(context.Background(), nil, op, RetryOptions{Tries: 3, BaseDelayMs: 1, MaxDelayMs: 5})
	if r.Ok {
		t.Fatalf("expected failure, got %+v", r)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryBudgetShouldRetryStopsEarly(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) result.Result {
		calls++
		return result.Fail(result.NewError(result.KindCapability, "no retry"))
	}
	r := RetryBudget(context.Background(), nil, op, RetryOptions{
		Tries:       5,
		BaseDelayMs: 1,
		ShouldRetry: func(err *result.Error) bool { return err.Kind != result.KindCapability },
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt when ShouldRetry vetoes, got %d", calls)
	}
	if r.Ok {
		t.Fatalf("expected failure, got %+v", r)
	}
	if !strings.Contains(r.Err.Message, "Failed after 1 attempts") {
		t.Fatalf("message %q must report the attempts actually made, not the configured limit", r.Err.Message)
	}
	detail, ok := r.Err.Detail.(RetryResult)
	if !ok || detail.Attempts != 1 {
		t.Fatalf("detail = %#v, want RetryResult{Attempts: 1}", r.Err.Detail)
	}
}

// TestTransactionRollback: step A succeeds with a rollback, step B
// fails; rollbackA must fire exactly once and completedSteps must be
// ["A"].
func TestTransactionRollback(t *testing.T) {
	rollbackCalls := 0
	steps := []Step{
		{
			Name:      "A",
			Operation: func(ctx context.Context) result.Result { return result.Ok(nil) },
			Rollback:  func(ctx context.Context) { rollbackCalls++ },
		},
		{
			Name:      "B",
			Operation: func(ctx context.Context) result.Result { return result.Fail(result.NewError(result.KindOperationFailed, "boom")) },
		},
	}
	r := Transaction(context.Background(), steps, nil)
	if r.Ok {
		t.Fatalf("expected failure, got %+v", r)
	}
	fail, ok := r.Err.Detail.(TransactionFailure)
	if !ok {
		t.Fatalf("expected TransactionFailure detail, got %T", r.Err.Detail)
	}
	if len(fail.CompletedSteps) != 1 || fail.CompletedSteps[0] != "A" {
		t.Fatalf("completedSteps = %v, want [A]", fail.CompletedSteps)
	}
	if rollbackCalls != 1 {
		t.Fatalf("rollback called %d times, want 1", rollbackCalls)
	}
}

func TestTransactionRollbackFailureDoesNotMaskOriginal(t *testing.T) {
	var loggedStep string
	steps := []Step{
		{
			Name:      "A",
			Operation: func(ctx context.Context) result.Result { return result.Ok(nil) },
			Rollback:  func(ctx context.Context) { panic("rollback exploded") },
		},
		{
			Name:      "B",
			Operation: func(ctx context.Context) result.Result { return result.Fail(result.NewError(result.KindPrecondition, "original failure")) },
		},
	}
	r := Transaction(context.Background(), steps, func(step string, err interface{}) { loggedStep = step })
	if r.Ok || r.Err.Kind != result.KindPrecondition {
		t.Fatalf("expected original PRECONDITION failure to survive, got %+v", r)
	}
	if loggedStep != "A" {
		t.Fatalf("expected rollback panic to be logged against step A, got %q", loggedStep)
	}
}

func TestParallelOrderMatchesInput(t *testing.T) {
	ops := make([]Op, 5)
	for i := 0; i < 5; i++ {
		i := i
		ops[i] = func(ctx context.Context) result.Result {
			time.Sleep(time.Duration(5-i) * time.Millisecond)
			return result.Ok(i)
		}
	}
	r := Parallel(context.Background(), ops, 2)
	if !r.Ok {
		t.Fatalf("expected success, got %+v", r)
	}
	results := r.Value.([]result.Result)
	for i, res := range results {
		if res.Value != i {
			t.Fatalf("result[%d] = %v, want %d (order must match input)", i, res.Value, i)
		}
	}
}

func TestParallelFailsIfAnyFails(t *testing.T) {
	ops := []Op{
		func(ctx context.Context) result.Result { return result.Ok("a") },
		func(ctx context.Context) result.Result { return result.Fail(result.NewError(result.KindOperationFailed, "b failed")) },
	}
	r := Parallel(context.Background(), ops, 2)
	if r.Ok {
		t.Fatalf("expected overall failure when one op fails, got %+v", r)
	}
}
