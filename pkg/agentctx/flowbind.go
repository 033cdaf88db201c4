package agentctx

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/mineflare/agent/pkg/flow"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/sandbox"
)

// toOp adapts a JS callback into a flow.Op. The callback is invoked with
// no arguments and is expected to return a Result produced by ok()/fail();
// any other return value is treated as a success wrapping that value, and
// a thrown exception becomes a failed Result (typed throws keep their
// kind) so flow combinators never need to recover from a panicking Op
// themselves.
func toOp(vm *goja.Runtime, fn goja.Callable) flow.Op {
	return func(ctx context.Context) (r result.Result) {
		defer func() {
			if rec := recover(); rec != nil {
				r = result.Failf(result.KindOperationFailed, "operation panicked: %v", rec)
			}
		}()
		v, err := fn(goja.Undefined())
		if err != nil {
			return result.Fail(sandbox.WrapException(err))
		}
		if r2, ok := exportValue(v).(result.Result); ok {
			return r2
		}
		return result.Ok(exportValue(v))
	}
}

// opTimeoutMark is the interrupt value used by the withTimeout binding to
// unwind a synchronous JS operation that overran its per-operation
// deadline, distinct from the sandbox's own whole-invocation interrupts.
type opTimeoutMark struct {
	label string
	ms    int
}

// runWithTimeout races fn against a ms deadline on the calling goroutine.
// The VM is never entered from a second goroutine: the deadline fires as a
// goja interrupt, which unwinds fn at its next bytecode boundary and is
// cleared before control returns to the program. A deadline that fires
// after fn already returned is swallowed the same way.
func runWithTimeout(vm *goja.Runtime, fn goja.Callable, ms int, label string) result.Result {
	var mu sync.Mutex
	settled := false
	fired := false
	mark := opTimeoutMark{label: label, ms: ms}

	timer := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return
		}
		fired = true
		vm.Interrupt(mark)
	})

	v, err := fn(goja.Undefined())

	mu.Lock()
	settled = true
	timer.Stop()
	wasFired := fired
	mu.Unlock()

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			if m, ok := ie.Value().(opTimeoutMark); ok && m == mark {
				vm.ClearInterrupt()
				name := label
				if name == "" {
					name = "operation"
				}
				return result.Failf(result.KindTimeout, "%s timed out after %dms", name, ms)
			}
			// A sandbox-level interrupt (sentinel, whole-invocation
			// timeout, cancellation): the flag is still set, so the VM
			// re-raises as soon as this binding returns.
			return result.Fail(result.NewError(result.KindRuntime, "operation interrupted"))
		}
		return result.Fail(sandbox.WrapException(err))
	}
	if wasFired {
		// Deadline fired after fn completed but before the race settled.
		vm.ClearInterrupt()
	}
	if r, ok := exportValue(v).(result.Result); ok {
		return r
	}
	return result.Ok(exportValue(v))
}

func (b *Builder) buildFlow(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		return vm.ToValue(flow.Sleep(b.InvocationCtx, flow.RealClock, time.Duration(ms)*time.Millisecond))
	})

	_ = obj.Set("withTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "flow.withTimeout requires a function")))
		}
		ms := int(call.Argument(1).ToInteger())
		label := ""
		if len(call.Arguments) > 2 {
			label = call.Argument(2).String()
		}
		return vm.ToValue(runWithTimeout(vm, fn, ms, label))
	})

	_ = obj.Set("retryBudget", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "flow.retryBudget requires a function")))
		}
		opts := flow.RetryOptions{Tries: 3, BaseDelayMs: 100, MaxDelayMs: 5000}
		if o := call.Argument(1).ToObject(vm); o != nil {
			if v := o.Get("tries"); v != nil && !goja.IsUndefined(v) {
				opts.Tries = int(v.ToInteger())
			}
			if v := o.Get("baseDelayMs"); v != nil && !goja.IsUndefined(v) {
				opts.BaseDelayMs = int(v.ToInteger())
			}
			if v := o.Get("maxDelayMs"); v != nil && !goja.IsUndefined(v) {
				opts.MaxDelayMs = int(v.ToInteger())
			}
		}
		return vm.ToValue(flow.RetryBudget(b.InvocationCtx, flow.RealClock, toOp(vm, fn), opts))
	})

	_ = obj.Set("transaction", func(call goja.FunctionCall) goja.Value {
		arr := call.Argument(0)
		arrObj := arr.ToObject(vm)
		if arrObj == nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "flow.transaction requires an array of steps")))
		}
		length := int(arrObj.Get("length").ToInteger())
		steps := make([]flow.Step, 0, length)
		for i := 0; i < length; i++ {
			stepObj := arrObj.Get(strconv.Itoa(i)).ToObject(vm)
			if stepObj == nil {
				continue
			}
			name := strconv.Itoa(i)
			if n := stepObj.Get("name"); n != nil && !goja.IsUndefined(n) {
				name = n.String()
			}
			opFn, _ := goja.AssertFunction(stepObj.Get("operation"))
			var rollbackFn goja.Callable
			if v := stepObj.Get("rollback"); v != nil && !goja.IsUndefined(v) {
				rollbackFn, _ = goja.AssertFunction(v)
			}
			steps = append(steps, flow.Step{
				Name:      name,
				Operation: toOp(vm, opFn),
				Rollback: func(ctx context.Context) {
					if rollbackFn != nil {
						if _, err := rollbackFn(goja.Undefined()); err != nil {
							panic(err)
						}
					}
				},
			})
		}
		onRollbackErr := func(step string, err interface{}) {
			b.logs.append(LogEntry{Level: "error", Message: "rollback failed for step " + step})
		}
		return vm.ToValue(flow.Transaction(b.InvocationCtx, steps, onRollbackErr))
	})

	_ = obj.Set("parallel", func(call goja.FunctionCall) goja.Value {
		arr := call.Argument(0)
		arrObj := arr.ToObject(vm)
		if arrObj == nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "flow.parallel requires an array of functions")))
		}
		length := int(arrObj.Get("length").ToInteger())
		// The pool's workers must never enter the VM concurrently: JS ops
		// are synchronous, so a shared mutex serialises VM entry while the
		// calling goroutine stays parked in the pool's wait. Results still
		// come back in input order.
		var vmMu sync.Mutex
		ops := make([]flow.Op, 0, length)
		for i := 0; i < length; i++ {
			fn, ok := goja.AssertFunction(arrObj.Get(strconv.Itoa(i)))
			if !ok {
				continue
			}
			op := toOp(vm, fn)
			ops = append(ops, func(ctx context.Context) result.Result {
				vmMu.Lock()
				defer vmMu.Unlock()
				return op(ctx)
			})
		}
		concurrency := len(ops)
		if len(call.Arguments) > 1 {
			concurrency = int(call.Argument(1).ToInteger())
		}
		return vm.ToValue(flow.Parallel(b.InvocationCtx, ops, concurrency))
	})

	return obj
}
