// Package agentctx builds the per-invocation Context object that a
// sandboxed program observes: args, capabilities,
// bot/world observation, gated actions, events, control sentinels,
// buffered logging, a logical clock, and the deterministic rng/geometry/
// flow namespaces. Every sub-API is always present on the Context; each
// side-effecting call is first checked against the granted capabilities
// and the Budget, and a call whose capability was not granted returns a
// CAPABILITY failure without reaching the agent.
package agentctx

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/budget"
	"github.com/mineflare/agent/pkg/flow"
	"github.com/mineflare/agent/pkg/geometry"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/rng"
	"github.com/mineflare/agent/pkg/sandbox"
	"github.com/mineflare/agent/pkg/telemetry"
)

// Builder assembles one invocation's Context. A Builder is used exactly
// once, mirroring the Sandbox it is paired with.
type Builder struct {
	Agent        agentlink.Agent
	Budget       *budget.Budget
	Capabilities result.CapabilitySet
	Args         map[string]interface{}
	Seed         int64

	// InvocationCtx bounds every call the Context makes into the Agent
	// collaborator; it is the same context.Context the Runner cancels on
	// abort/timeout.
	InvocationCtx context.Context

	// Metrics, when non-nil, records budget admission rejections.
	Metrics *telemetry.Metrics

	logs      *logBuffer
	events    *eventBus
	startedAt time.Time
}

// Result is what the Runner reads back after the sandbox finishes: the
// buffered logs and final usage snapshot stored on the InvocationRecord.
type Result struct {
	Logs  []LogEntry
	Usage budget.Usage
}

// Build returns a sandbox.ContextBuilder wired to this invocation, plus a
// Result value the caller can read from after the program finishes (the
// log buffer and budget are filled in as the program runs, so Result's
// pointers stay valid to read after Execute returns).
func (b *Builder) Build() (sandbox.ContextBuilder, *Result) {
	b.logs = newLogBuffer(1000)
	b.events = newEventBus()
	b.startedAt = time.Now()

	res := &Result{}
	cb := func(vm *goja.Runtime, ctl *sandbox.Control) (goja.Value, error) {
		obj := vm.NewObject()
		_ = obj.Set("args", b.Args)
		_ = obj.Set("capabilities", capSliceStrings(b.Capabilities))

		_ = obj.Set("bot", b.buildBot(vm))
		_ = obj.Set("world", b.buildWorld(vm))
		_ = obj.Set("actions", b.buildActions(vm))
		_ = obj.Set("events", b.buildEvents(vm))
		_ = obj.Set("control", b.buildControl(vm, ctl))
		_ = obj.Set("log", b.buildLog(vm))
		_ = obj.Set("clock", b.buildClock(vm))
		_ = obj.Set("rng", b.buildRNG(vm))
		_ = obj.Set("geometry", b.buildGeometry(vm))
		_ = obj.Set("flow", b.buildFlow(vm))

		return obj, nil
	}
	return cb, res
}

// Finish fills Result with the accumulated logs/usage. Call after Execute.
func (b *Builder) Finish(res *Result) {
	res.Logs = b.logs.snapshot()
	if b.Budget != nil {
		res.Usage = b.Budget.GetUsage()
	}
}

func capSliceStrings(caps result.CapabilitySet) []string {
	slice := caps.Slice()
	out := make([]string, len(slice))
	for i, c := range slice {
		out[i] = string(c)
	}
	return out
}

func (b *Builder) check(cap result.Capability, count int) *result.Error {
	if !b.Capabilities.Has(cap) {
		b.Metrics.ObserveBudgetRejection(string(cap), "capability")
		return result.NewError(result.KindCapability, fmt.Sprintf("capability %q not granted for this invocation", cap))
	}
	if b.Budget == nil {
		return nil
	}
	if err := b.Budget.Check(cap, count); err != nil {
		b.Metrics.ObserveBudgetRejection(string(cap), rejectionReason(err))
		return err
	}
	return nil
}

// checkAny requires at least one of caps to be granted, charging the
// budget against whichever comes first in caps that is present.
func (b *Builder) checkAny(count int, caps ...result.Capability) *result.Error {
	var granted result.Capability
	for _, c := range caps {
		if b.Capabilities.Has(c) {
			granted = c
			break
		}
	}
	if granted == "" {
		b.Metrics.ObserveBudgetRejection(string(caps[0]), "capability")
		return result.NewError(result.KindCapability, fmt.Sprintf("requires one of %v", caps))
	}
	if b.Budget == nil {
		return nil
	}
	if err := b.Budget.Check(granted, count); err != nil {
		b.Metrics.ObserveBudgetRejection(string(granted), rejectionReason(err))
		return err
	}
	return nil
}

func rejectionReason(err *result.Error) string {
	if err.Kind == result.KindResourceLimit {
		return "resource_limit"
	}
	return "capability"
}

func (b *Builder) buildBot(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("getState", func() goja.Value {
		if !b.Agent.IsConnected() {
			return vm.ToValue(result.Fail(result.NewError(result.KindExternalDisconnected, "agent is not connected")))
		}
		st, err := b.Agent.State(b.InvocationCtx)
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindExternalDisconnected, err.Error())))
		}
		return vm.ToValue(result.Ok(st))
	})
	_ = obj.Set("look", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapLook, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		yaw := call.Argument(0).ToFloat()
		pitch := call.Argument(1).ToFloat()
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type:   agentlink.InstrLook,
			Params: map[string]interface{}{"yaw": yaw, "pitch": pitch},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) currentPosition() result.Position {
	st, err := b.Agent.State(b.InvocationCtx)
	if err != nil {
		return result.Position{}
	}
	return st.Position
}

func (b *Builder) buildWorld(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	scan := vm.NewObject()
	_ = scan.Set("blocks", func(call goja.FunctionCall) goja.Value {
		opts := call.Argument(0).ToObject(vm)
		radius := 1
		max := 64
		var kinds map[string]struct{}
		if opts != nil {
			if v := opts.Get("radius"); v != nil && !goja.IsUndefined(v) {
				radius = int(v.ToInteger())
			}
			if v := opts.Get("max"); v != nil && !goja.IsUndefined(v) {
				max = int(v.ToInteger())
			}
			if v := opts.Get("kinds"); v != nil && !goja.IsUndefined(v) {
				if arr, ok := v.Export().([]interface{}); ok {
					kinds = make(map[string]struct{}, len(arr))
					for _, k := range arr {
						if s, ok := k.(string); ok {
							kinds[s] = struct{}{}
						}
					}
				}
			}
		}
		center := b.currentPosition()
		var matches []result.Block
		r2 := radius * radius
		for x := -radius; x <= radius && len(matches) < max; x++ {
			for y := -radius; y <= radius && len(matches) < max; y++ {
				for z := -radius; z <= radius && len(matches) < max; z++ {
					if x*x+y*y+z*z > r2 {
						continue
					}
					pos := center.Offset(float64(x), float64(y), float64(z))
					kind, err := b.Agent.BlockAt(b.InvocationCtx, pos)
					if err != nil || kind == "" {
						continue
					}
					if kinds != nil {
						if _, ok := kinds[kind]; !ok {
							continue
						}
					}
					matches = append(matches, result.Block{Position: pos, Kind: kind})
				}
			}
		}
		return vm.ToValue(result.Ok(matches))
	})
	_ = scan.Set("lineOfSight", func(call goja.FunctionCall) goja.Value {
		opts := call.Argument(0).ToObject(vm)
		var target result.Position
		maxSteps := 64
		if opts != nil {
			if v := opts.Get("target"); v != nil && !goja.IsUndefined(v) {
				_ = vm.ExportTo(v, &target)
			}
			if v := opts.Get("maxSteps"); v != nil && !goja.IsUndefined(v) {
				maxSteps = int(v.ToInteger())
			}
		}
		from := b.currentPosition()
		dir := geometry.Sub(target, from)
		dist := geometry.Length(dir)
		if dist == 0 {
			return vm.ToValue(result.Ok(true))
		}
		unit := geometry.Normalize(dir)
		steps := int(dist)
		if steps > maxSteps {
			steps = maxSteps
		}
		for i := 1; i <= steps; i++ {
			p := geometry.Round(geometry.Add(from, geometry.Scale(unit, float64(i))))
			kind, err := b.Agent.BlockAt(b.InvocationCtx, p)
			if err == nil && kind != "" {
				return vm.ToValue(result.Ok(false))
			}
		}
		return vm.ToValue(result.Ok(true))
	})
	_ = obj.Set("scan", scan)

	_ = obj.Set("time", func() goja.Value {
		t, err := b.Agent.WorldTime(b.InvocationCtx)
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindExternalDisconnected, err.Error())))
		}
		return vm.ToValue(result.Ok(map[string]interface{}{
			"dayTime": t,
			"isDay":   t >= 0 && t < 12000,
		}))
	})
	_ = obj.Set("seaLevel", func() goja.Value { return vm.ToValue(63) })
	return obj
}

func (b *Builder) buildControl(vm *goja.Runtime, ctl *sandbox.Control) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("success", func(v goja.Value) { ctl.Succeed(exportValue(v)) })
	_ = obj.Set("fail", func(call goja.FunctionCall) goja.Value {
		msg := "program failed"
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
			msg = call.Argument(0).String()
		}
		var detail interface{}
		if len(call.Arguments) > 1 {
			detail = exportValue(call.Argument(1))
		}
		ctl.Fail(result.KindOperationFailed, msg, detail)
		return goja.Undefined()
	})
	return obj
}

func (b *Builder) buildLog(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	logFn := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			msg := ""
			if len(call.Arguments) > 0 {
				msg = call.Argument(0).String()
			}
			var meta map[string]interface{}
			if len(call.Arguments) > 1 {
				if m, ok := exportValue(call.Argument(1)).(map[string]interface{}); ok {
					meta = m
				}
			}
			b.logs.append(LogEntry{
				Level:   level,
				Message: msg,
				Meta:    meta,
				AtMs:    time.Since(b.startedAt).Milliseconds(),
			})
			return goja.Undefined()
		}
	}
	_ = obj.Set("info", logFn("info"))
	_ = obj.Set("warn", logFn("warn"))
	_ = obj.Set("error", logFn("error"))
	return obj
}

func (b *Builder) buildClock(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("now", func() goja.Value {
		return vm.ToValue(time.Since(b.startedAt).Milliseconds())
	})
	_ = obj.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		r := flow.Sleep(b.InvocationCtx, flow.RealClock, time.Duration(ms)*time.Millisecond)
		return vm.ToValue(r)
	})
	return obj
}

func (b *Builder) buildRNG(vm *goja.Runtime) *goja.Object {
	seed := b.Seed
	if seed == 0 {
		seed = 1
	}
	r := rng.New(seed)
	obj := vm.NewObject()
	_ = obj.Set("next", func() goja.Value { return vm.ToValue(r.Next()) })
	_ = obj.Set("int", func(call goja.FunctionCall) goja.Value {
		lo := int(call.Argument(0).ToInteger())
		hi := int(call.Argument(1).ToInteger())
		return vm.ToValue(r.Int(lo, hi))
	})
	_ = obj.Set("shuffle", func(call goja.FunctionCall) goja.Value {
		arr := call.Argument(0)
		obj := arr.ToObject(vm)
		length := int(obj.Get("length").ToInteger())
		items := make([]goja.Value, length)
		for i := 0; i < length; i++ {
			items[i] = obj.Get(fmt.Sprintf("%d", i))
		}
		r.Shuffle(length, func(i, j int) { items[i], items[j] = items[j], items[i] })
		for i, v := range items {
			_ = obj.Set(fmt.Sprintf("%d", i), v)
		}
		return arr
	})
	return obj
}

func (b *Builder) buildGeometry(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	toPos := func(v goja.Value) result.Position {
		var p result.Position
		_ = vm.ExportTo(v, &p)
		return p
	}
	_ = obj.Set("nearestFirst", func(call goja.FunctionCall) goja.Value {
		var positions []result.Position
		_ = vm.ExportTo(call.Argument(0), &positions)
		reference := toPos(call.Argument(1))
		metricName := "euclidean"
		if len(call.Arguments) > 2 {
			metricName = call.Argument(2).String()
		}
		metric := geometry.Euclidean
		switch metricName {
		case "manhattan":
			metric = geometry.Manhattan
		case "chebyshev":
			metric = geometry.Chebyshev
		}
		return vm.ToValue(geometry.NearestFirst(positions, reference, metric))
	})
	_ = obj.Set("distance", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Euclidean(toPos(call.Argument(0)), toPos(call.Argument(1))))
	})
	_ = obj.Set("line", func(call goja.FunctionCall) goja.Value {
		step := 1.0
		if len(call.Arguments) > 2 {
			step = call.Argument(2).ToFloat()
		}
		return vm.ToValue(geometry.Line(toPos(call.Argument(0)), toPos(call.Argument(1)), step))
	})
	_ = obj.Set("circle", func(call goja.FunctionCall) goja.Value {
		r := call.Argument(1).ToFloat()
		n := int(call.Argument(2).ToInteger())
		return vm.ToValue(geometry.Circle(toPos(call.Argument(0)), r, n))
	})
	_ = obj.Set("disc", func(call goja.FunctionCall) goja.Value {
		r := call.Argument(1).ToFloat()
		spacing := 1.0
		if len(call.Arguments) > 2 {
			spacing = call.Argument(2).ToFloat()
		}
		return vm.ToValue(geometry.Disc(toPos(call.Argument(0)), r, spacing))
	})
	_ = obj.Set("boundingBox", func(call goja.FunctionCall) goja.Value {
		var positions []result.Position
		_ = vm.ExportTo(call.Argument(0), &positions)
		min, max := geometry.BoundingBox(positions)
		return vm.ToValue(map[string]interface{}{"min": min, "max": max})
	})

	binOp := func(fn func(a, b result.Position) result.Position) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(fn(toPos(call.Argument(0)), toPos(call.Argument(1))))
		}
	}
	_ = obj.Set("add", binOp(geometry.Add))
	_ = obj.Set("sub", binOp(geometry.Sub))
	_ = obj.Set("cross", binOp(geometry.Cross))
	_ = obj.Set("project", binOp(geometry.Project))
	_ = obj.Set("reflect", binOp(geometry.Reflect))
	_ = obj.Set("dot", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Dot(toPos(call.Argument(0)), toPos(call.Argument(1))))
	})
	_ = obj.Set("scale", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Scale(toPos(call.Argument(0)), call.Argument(1).ToFloat()))
	})
	_ = obj.Set("normalize", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Normalize(toPos(call.Argument(0))))
	})
	_ = obj.Set("lerp", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Lerp(toPos(call.Argument(0)), toPos(call.Argument(1)), call.Argument(2).ToFloat()))
	})
	_ = obj.Set("rotateY", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.RotateY(toPos(call.Argument(0)), call.Argument(1).ToFloat()))
	})
	_ = obj.Set("round", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Round(toPos(call.Argument(0))))
	})
	_ = obj.Set("floor", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Floor(toPos(call.Argument(0))))
	})
	_ = obj.Set("clamp", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(geometry.Clamp(toPos(call.Argument(0)), call.Argument(1).ToFloat(), call.Argument(2).ToFloat()))
	})
	return obj
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
