// Package sandbox embeds a restricted ECMAScript runtime (goja) that
// compiles and evaluates one user program per Sandbox instance. It owns
// the deterministic globals, the controlled timer queue, and the single
// mechanism, goja.Runtime.Interrupt, used for sentinel outcomes,
// whole-invocation timeouts, and external cancellation alike.
package sandbox

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/mineflare/agent/pkg/result"
)

// OutcomeStatus is the terminal classification of a single Execute call.
type OutcomeStatus string

const (
	StatusSucceeded OutcomeStatus = "SUCCEEDED"
	StatusFailed    OutcomeStatus = "FAILED"
	StatusTimedOut  OutcomeStatus = "TIMED_OUT"
	StatusCancelled OutcomeStatus = "CANCELLED"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	Status OutcomeStatus
	Value  interface{}
	Err    *result.Error
}

// interrupt values. Distinct types so a recovered *goja.InterruptedError
// can be told apart by its carried value without string comparison.
type interruptTimeout struct{}
type interruptCancelled struct{}
type interruptSentinel struct{}

// Control is handed to a ContextBuilder so it can wire control.success and
// control.fail into the sandbox's termination mechanism.
type Control struct {
	vm *goja.Runtime

	mu      sync.Mutex
	settled bool
	outcome Outcome
}

// Succeed records a SUCCEEDED outcome and unwinds the running program.
// Never returns: it interrupts the VM, which aborts execution at the next
// bytecode boundary regardless of call-stack depth.
func (c *Control) Succeed(value interface{}) {
	c.settle(Outcome{Status: StatusSucceeded, Value: value})
	c.vm.Interrupt(interruptSentinel{})
}

// Fail records a FAILED outcome with a typed error and unwinds the program.
func (c *Control) Fail(kind result.ErrorKind, message string, detail interface{}) {
	c.settle(Outcome{Status: StatusFailed, Err: result.NewError(kind, message, detail)})
	c.vm.Interrupt(interruptSentinel{})
}

func (c *Control) settle(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.outcome = o
}

func (c *Control) outcomeIfSettled() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.settled
}

// ContextBuilder installs the program-facing API surface (bot, world,
// actions, events, control, log, clock, flow, search — each already
// capability-gated by the caller) and returns the Context value passed as
// the sole argument to the program's run handler.
type ContextBuilder func(vm *goja.Runtime, ctl *Control) (goja.Value, error)

// Sandbox evaluates exactly one program exactly once.
type Sandbox struct {
	timeout time.Duration

	used int32
}

// New builds a Sandbox bounded by timeout (the whole-invocation budget).
// A non-positive timeout disables the timer and relies solely on ctx.
func New(timeout time.Duration) *Sandbox {
	return &Sandbox{timeout: timeout}
}

// Execute compiles and runs source exactly once. A second call on the same
// Sandbox returns a FAILED outcome without touching the VM.
func (s *Sandbox) Execute(ctx context.Context, source string, build ContextBuilder) Outcome {
	if !atomic.CompareAndSwapInt32(&s.used, 0, 1) {
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindOperationFailed, "sandbox instance already used for an execution")}
	}

	vm := goja.New()
	installRestrictedGlobals(vm)
	tq := newTimerQueue(vm)
	installTimers(vm, tq)
	installSleep(vm, ctx)

	ctl := &Control{vm: vm}
	contextVal, err := build(vm, ctl)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindOperationFailed, fmt.Sprintf("failed to build program context: %v", err))}
	}

	stop := make(chan struct{})
	defer close(stop)

	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() { vm.Interrupt(interruptTimeout{}) })
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptCancelled{})
		case <-stop:
		}
	}()

	return runProgram(vm, ctl, tq, source, contextVal)
}

func runProgram(vm *goja.Runtime, ctl *Control, tq *timerQueue, source string, contextVal goja.Value) Outcome {
	prg, err := goja.Compile("program.js", source, false)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindInvalidArgument, fmt.Sprintf("program failed to compile: %v", err))}
	}

	topLevel, err := vm.RunProgram(prg)
	if out, interrupted := asInterruptOutcome(err, ctl); interrupted {
		return out
	}
	if err != nil {
		return Outcome{Status: StatusFailed, Err: WrapException(err)}
	}

	def, err := resolveProgramDefinition(vm, topLevel)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: result.NewError(result.KindInvalidArgument, err.Error())}
	}
	def.ContextArg = contextVal

	runFn, ok := goja.AssertFunction(def.Run)
	if !ok {
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindInvalidArgument, "program's run handler is not callable")}
	}

	retVal, callErr := runFn(goja.Undefined(), def.ContextArg)
	if out, interrupted := asInterruptOutcome(callErr, ctl); interrupted {
		return out
	}
	if callErr != nil {
		return Outcome{Status: StatusFailed, Err: WrapException(callErr)}
	}

	if out, settled := ctl.outcomeIfSettled(); settled {
		return out
	}

	out, drainErr := tq.drain(vm, ctl)
	if drainErr != nil {
		if o, interrupted := asInterruptOutcome(drainErr, ctl); interrupted {
			return o
		}
		return Outcome{Status: StatusFailed, Err: WrapException(drainErr)}
	}
	if out != nil {
		return *out
	}

	return Outcome{Status: StatusSucceeded, Value: exportOrNil(retVal)}
}

func exportOrNil(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// asInterruptOutcome classifies a goja error that might be an
// InterruptedError raised by Succeed/Fail, the timeout timer, or ctx
// cancellation, translating it into the matching terminal Outcome.
func asInterruptOutcome(err error, ctl *Control) (Outcome, bool) {
	if err == nil {
		return Outcome{}, false
	}
	var ie *goja.InterruptedError
	if !errors.As(err, &ie) {
		return Outcome{}, false
	}
	switch ie.Value().(type) {
	case interruptSentinel:
		out, settled := ctl.outcomeIfSettled()
		if settled {
			return out, true
		}
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindRuntime, "program interrupted without a recorded outcome")}, true
	case interruptTimeout:
		return Outcome{Status: StatusTimedOut, Err: result.NewError(
			result.KindTimeout, "program exceeded its execution timeout")}, true
	case interruptCancelled:
		return Outcome{Status: StatusCancelled, Err: result.NewError(
			result.KindRuntime, "program execution was cancelled")}, true
	default:
		return Outcome{Status: StatusFailed, Err: result.NewError(
			result.KindRuntime, fmt.Sprintf("program interrupted: %v", ie.Value()))}, true
	}
}

// WrapException converts a goja evaluation error into a typed program
// error. A thrown value shaped like a ProgramError (an object with a kind
// from the closed set) keeps its kind, message, and detail; any other
// thrown value becomes OPERATION_FAILED with its string form retained.
func WrapException(err error) *result.Error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if m, ok := ex.Value().Export().(map[string]interface{}); ok {
			if k, ok := m["kind"].(string); ok && result.ValidErrorKind(result.ErrorKind(k)) {
				msg, _ := m["message"].(string)
				return result.NewError(result.ErrorKind(k), msg, m["detail"])
			}
		}
		return result.NewError(result.KindOperationFailed, "program threw an exception", ex.Value().String())
	}
	return result.NewError(result.KindRuntime, err.Error())
}

// installRestrictedGlobals strips non-deterministic and unsandboxed
// primitives from the default goja global object and installs the value
// constructors shared across the program-facing API surface.
func installRestrictedGlobals(vm *goja.Runtime) {
	// Programs see Go values under their json names (r.ok, r.error.kind,
	// p.x) and lower-camel method names; the same mapping makes ExportTo
	// accept plain {x,y,z} objects for Position parameters.
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	g := vm.GlobalObject()
	_ = g.Delete("eval")
	_ = g.Delete("Function")
	_ = g.Delete("Date")

	if mathVal := g.Get("Math"); mathVal != nil {
		if mathObj := mathVal.ToObject(vm); mathObj != nil {
			_ = mathObj.Set("random", func(goja.FunctionCall) goja.Value {
				panic(vm.NewGoError(errors.New("Math.random is disabled; use the injected seeded rng instead")))
			})
		}
	}

	_ = vm.Set("ok", func(value goja.Value) goja.Value {
		return vm.ToValue(result.Ok(exportOrNil(value)))
	})
	_ = vm.Set("fail", func(call goja.FunctionCall) goja.Value {
		kind := result.KindOperationFailed
		message := "program reported failure"
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
			message = call.Argument(0).String()
		}
		var detail interface{}
		if len(call.Arguments) > 1 {
			detail = exportOrNil(call.Argument(1))
		}
		return vm.ToValue(result.Fail(result.NewError(kind, message, detail)))
	})

	_ = vm.Set("ProgramError", func(call goja.FunctionCall) goja.Value {
		kind := result.ErrorKind(call.Argument(0).String())
		if !result.ValidErrorKind(kind) {
			kind = result.KindRuntime
		}
		message := ""
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			message = call.Argument(1).String()
		}
		obj := vm.NewObject()
		_ = obj.Set("kind", string(kind))
		_ = obj.Set("message", message)
		if len(call.Arguments) > 2 && !goja.IsUndefined(call.Argument(2)) {
			_ = obj.Set("detail", call.Argument(2))
		}
		return obj
	})

	_ = vm.Set("Position", func(call goja.ConstructorCall) *goja.Object {
		x, y, z := numArg(call, 0), numArg(call, 1), numArg(call, 2)
		obj := vm.NewObject()
		_ = obj.Set("x", x)
		_ = obj.Set("y", y)
		_ = obj.Set("z", z)
		return obj
	})

	_ = vm.Set("defineProgram", func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0)
		if goja.IsUndefined(spec) || goja.IsNull(spec) {
			panic(vm.NewGoError(errors.New("defineProgram: a program specification object is required")))
		}
		obj := spec.ToObject(vm)
		name := obj.Get("name")
		if name == nil || goja.IsUndefined(name) || name.String() == "" {
			panic(vm.NewGoError(errors.New("defineProgram: name is required")))
		}
		if _, ok := goja.AssertFunction(obj.Get("run")); !ok {
			panic(vm.NewGoError(errors.New("defineProgram: run must be a function")))
		}
		if v := obj.Get("version"); v == nil || goja.IsUndefined(v) {
			_ = obj.Set("version", "1.0.0")
		}
		if v := obj.Get("capabilities"); v == nil || goja.IsUndefined(v) {
			_ = obj.Set("capabilities", vm.NewArray())
		}
		if v := obj.Get("defaults"); v == nil || goja.IsUndefined(v) {
			_ = obj.Set("defaults", vm.NewObject())
		}
		return obj
	})
}

func numArg(call goja.ConstructorCall, i int) float64 {
	if i >= len(call.Arguments) {
		return 0
	}
	return call.Arguments[i].ToFloat()
}

// programDefinition is the resolved shape of whatever the top-level
// program evaluation produced: either a defineProgram(...) object or,
// for programs that evaluate directly to a function, a bare run handler
// with empty metadata.
type programDefinition struct {
	Name       string
	Version    string
	Run        goja.Value
	ContextArg goja.Value
}

// resolveProgramDefinition normalizes whatever the top-level evaluation
// produced into a programDefinition, accepting both the object form and a
// bare callable.
func resolveProgramDefinition(vm *goja.Runtime, topLevel goja.Value) (*programDefinition, error) {
	if topLevel == nil || goja.IsUndefined(topLevel) || goja.IsNull(topLevel) {
		return nil, errors.New("program did not evaluate to a definition or function")
	}
	if _, ok := goja.AssertFunction(topLevel); ok {
		return &programDefinition{Name: "anonymous", Version: "1.0.0", Run: topLevel}, nil
	}
	obj := topLevel.ToObject(vm)
	if obj == nil {
		return nil, errors.New("program must evaluate to a defineProgram(...) result or a function")
	}
	runVal := obj.Get("run")
	if _, ok := goja.AssertFunction(runVal); !ok {
		return nil, errors.New("program definition is missing a callable run handler")
	}
	name := "anonymous"
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	version := "1.0.0"
	if v := obj.Get("version"); v != nil && !goja.IsUndefined(v) {
		version = v.String()
	}
	return &programDefinition{Name: name, Version: version, Run: runVal}, nil
}

// timerQueue is the sandbox's controlled replacement for setTimeout: a
// min-heap on fire time, drained only by the sandbox's own goroutine
// after the run handler returns, never concurrently with the VM.
type timerQueue struct {
	vm     *goja.Runtime
	mu     sync.Mutex
	nextID int
	items  timerHeap
}

type timerItem struct {
	id       int
	fireAt   time.Time
	cb       goja.Callable
	args     []goja.Value
	index    int
	canceled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newTimerQueue(vm *goja.Runtime) *timerQueue {
	return &timerQueue{vm: vm}
}

func (tq *timerQueue) schedule(delayMs int64, cb goja.Callable, args []goja.Value) int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.nextID++
	item := &timerItem{
		id:     tq.nextID,
		fireAt: time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		cb:     cb,
		args:   args,
	}
	heap.Push(&tq.items, item)
	return item.id
}

func (tq *timerQueue) cancel(id int) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	for _, item := range tq.items {
		if item.id == id {
			item.canceled = true
			return
		}
	}
}

func (tq *timerQueue) pop() *timerItem {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	for tq.items.Len() > 0 {
		item := heap.Pop(&tq.items).(*timerItem)
		if !item.canceled {
			return item
		}
	}
	return nil
}

// drain runs every remaining timer callback in fire-time order, sleeping
// between them as needed, until the queue is empty, a sentinel settles
// the outcome, or execution is interrupted (timeout/cancellation). It
// returns (outcome, nil) if a sentinel fired mid-drain, (nil, err) if the
// VM raised (including interruption), or (nil, nil) once the queue empties
// cleanly.
func (tq *timerQueue) drain(vm *goja.Runtime, ctl *Control) (*Outcome, error) {
	for {
		item := tq.pop()
		if item == nil {
			return nil, nil
		}
		if wait := time.Until(item.fireAt); wait > 0 {
			time.Sleep(wait)
		}
		if _, err := item.cb(goja.Undefined(), item.args...); err != nil {
			return nil, err
		}
		if out, settled := ctl.outcomeIfSettled(); settled {
			return &out, nil
		}
	}
}

// installSleep exposes the global sleep(ms) suspension point, bound to the
// invocation's context so a pending sleep resolves immediately on cancel.
func installSleep(vm *goja.Runtime, ctx context.Context) {
	_ = vm.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		if ms < 0 {
			ms = 0
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			return vm.ToValue(result.Ok(nil))
		case <-ctx.Done():
			return vm.ToValue(result.Fail(result.NewError(result.KindRuntime, "sleep cancelled")))
		}
	})
}

func installTimers(vm *goja.Runtime, tq *timerQueue) {
	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewGoError(errors.New("setTimeout: first argument must be a function")))
		}
		delay := int64(0)
		if len(call.Arguments) > 1 {
			delay = call.Argument(1).ToInteger()
		}
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = call.Arguments[2:]
		}
		id := tq.schedule(delay, fn, extra)
		return vm.ToValue(id)
	})
	_ = vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		tq.cancel(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
}
