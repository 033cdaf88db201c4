package agentctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/flow"
	"github.com/mineflare/agent/pkg/geometry"
	"github.com/mineflare/agent/pkg/result"
)

// execInstruction forwards instr to the agent, bounded by timeoutMs when
// positive. The op closure only touches the agent, never the VM, so the
// generic combinator's helper goroutine is safe here.
func (b *Builder) execInstruction(instr agentlink.Instruction, timeoutMs int, label string) (interface{}, *result.Error) {
	op := func(ctx context.Context) result.Result {
		v, err := b.Agent.ExecuteInstruction(ctx, instr)
		if err != nil {
			return result.Fail(result.NewError(result.KindOperationFailed, err.Error()))
		}
		return result.Ok(v)
	}
	var r result.Result
	if timeoutMs > 0 {
		r = flow.WithTimeout(b.InvocationCtx, flow.RealClock, op, timeoutMs, label)
	} else {
		r = op(b.InvocationCtx)
	}
	if !r.Ok {
		return nil, r.Err
	}
	return r.Value, nil
}

// optTimeoutMs reads a timeoutMs field from an options object, zero when
// absent.
func optTimeoutMs(vm *goja.Runtime, v goja.Value) int {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	obj := v.ToObject(vm)
	if obj == nil {
		return 0
	}
	if t := obj.Get("timeoutMs"); t != nil && !goja.IsUndefined(t) {
		return int(t.ToInteger())
	}
	return 0
}

func (b *Builder) buildActions(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("navigate", b.buildNavigate(vm))
	_ = obj.Set("gather", b.buildGather(vm))
	_ = obj.Set("build", b.buildBuild(vm))
	_ = obj.Set("combat", b.buildCombat(vm))
	_ = obj.Set("craft", b.buildCraft(vm))
	_ = obj.Set("inventory", b.buildInventory(vm))
	_ = obj.Set("search", b.buildSearch(vm))
	return obj
}

func (b *Builder) buildNavigate(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("goto", func(call goja.FunctionCall) goja.Value {
		if bErr := b.checkAny(1, result.CapMove, result.CapPathfind); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		var target result.Position
		_ = vm.ExportTo(call.Argument(0), &target)
		timeoutMs := 0
		if len(call.Arguments) > 1 {
			timeoutMs = optTimeoutMs(vm, call.Argument(1))
		}
		outcome, execErr := b.execInstruction(agentlink.Instruction{
			Type:   agentlink.InstrGoto,
			Params: map[string]interface{}{"target": target},
		}, timeoutMs, "goto")
		if execErr != nil {
			if execErr.Kind == result.KindTimeout {
				return vm.ToValue(result.Fail(execErr))
			}
			return vm.ToValue(result.Fail(result.NewError(result.KindPathfind, execErr.Message)))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	_ = obj.Set("stop", func() goja.Value {
		if bErr := b.checkAny(1, result.CapMove, result.CapPathfind); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{Type: agentlink.InstrStop})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindPathfind, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) buildGather(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("mineBlock", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapDig, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		opts := call.Argument(0).ToObject(vm)
		var pos result.Position
		var expect string
		timeoutMs := 0
		if opts != nil {
			if v := opts.Get("position"); v != nil {
				_ = vm.ExportTo(v, &pos)
			}
			if v := opts.Get("expect"); v != nil && !goja.IsUndefined(v) {
				expect = v.String()
			}
			timeoutMs = optTimeoutMs(vm, opts)
		}
		if expect != "" {
			kind, _ := b.Agent.BlockAt(b.InvocationCtx, pos)
			if !strings.Contains(kind, expect) {
				return vm.ToValue(result.Fail(result.NewError(result.KindPrecondition,
					fmt.Sprintf("expected block containing %q at target, found %q", expect, kind))))
			}
		}
		outcome, execErr := b.execInstruction(agentlink.Instruction{
			Type:   agentlink.InstrDig,
			Params: map[string]interface{}{"position": pos},
		}, timeoutMs, "mineBlock")
		if execErr != nil {
			return vm.ToValue(result.Fail(execErr))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) buildBuild(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("placeBlock", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapPlace, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		opts := call.Argument(0).ToObject(vm)
		var pos result.Position
		var kind string
		if opts != nil {
			if v := opts.Get("position"); v != nil {
				_ = vm.ExportTo(v, &pos)
			}
			if v := opts.Get("kind"); v != nil && !goja.IsUndefined(v) {
				kind = v.String()
			}
		}
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type:   agentlink.InstrPlace,
			Params: map[string]interface{}{"position": pos, "kind": kind},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) buildCombat(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("attack", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapAttack, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		opts := call.Argument(0).ToObject(vm)
		var target string
		if opts != nil {
			if v := opts.Get("target"); v != nil && !goja.IsUndefined(v) {
				target = v.String()
			}
		}
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type:   agentlink.InstrAttack,
			Params: map[string]interface{}{"target": target},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) buildCraft(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("craft", func(call goja.FunctionCall) goja.Value {
		recipe := call.Argument(0).String()
		count := 1
		if len(call.Arguments) > 1 {
			count = int(call.Argument(1).ToInteger())
		}
		if bErr := b.check(result.CapCraft, count); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type:   agentlink.InstrCraft,
			Params: map[string]interface{}{"recipe": recipe, "count": count},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	_ = obj.Set("ensureCraftingTable", func() goja.Value {
		if bErr := b.check(result.CapCraft, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type: agentlink.InstrCraft, Params: map[string]interface{}{"recipe": "crafting_table"},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

func (b *Builder) buildInventory(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("get", func() goja.Value {
		if bErr := b.check(result.CapInventory, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		items, err := b.Agent.InventoryItems(b.InvocationCtx)
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindExternalDisconnected, err.Error())))
		}
		return vm.ToValue(result.Ok(items))
	})
	_ = obj.Set("requireBlocks", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapInventory, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		opts := call.Argument(0).ToObject(vm)
		required := 0
		allowGather := false
		if opts != nil {
			if v := opts.Get("count"); v != nil && !goja.IsUndefined(v) {
				required = int(v.ToInteger())
			}
			if v := opts.Get("allowGather"); v != nil && !goja.IsUndefined(v) {
				allowGather = v.ToBoolean()
			}
		}
		items, err := b.Agent.InventoryItems(b.InvocationCtx)
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindExternalDisconnected, err.Error())))
		}
		total := 0
		for _, it := range items {
			total += it.Count
		}
		if total >= required {
			return vm.ToValue(result.Ok(total))
		}
		if !allowGather {
			return vm.ToValue(result.Fail(result.NewError(result.KindPrecondition,
				fmt.Sprintf("have %d, need %d, gathering not allowed", total, required))))
		}
		shortfall := required - total
		if bErr := b.check(result.CapDig, shortfall); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		gathered, gErr := b.gatherNearby(shortfall)
		if gErr != nil {
			return vm.ToValue(result.Fail(gErr))
		}
		if total+gathered < required {
			return vm.ToValue(result.Fail(result.NewError(result.KindPrecondition,
				fmt.Sprintf("gathered %d of the %d blocks still needed", gathered, shortfall))))
		}
		return vm.ToValue(result.Ok(total + gathered))
	})
	_ = obj.Set("equip", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapInventory, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		name := call.Argument(0).String()
		outcome, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
			Type:   agentlink.InstrEquip,
			Params: map[string]interface{}{"name": name},
		})
		if err != nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
		}
		return vm.ToValue(result.Ok(outcome))
	})
	return obj
}

// gatherNearby digs up to want blocks around the current position, in the
// same deterministic x/y/z ascending order the block scan uses, and
// returns how many it actually dug. Budget for the digs must already be
// debited by the caller.
func (b *Builder) gatherNearby(want int) (int, *result.Error) {
	const reach = 4
	center := b.currentPosition()
	gathered := 0
	for x := -reach; x <= reach && gathered < want; x++ {
		for y := -reach; y <= reach && gathered < want; y++ {
			for z := -reach; z <= reach && gathered < want; z++ {
				pos := center.Offset(float64(x), float64(y), float64(z))
				kind, err := b.Agent.BlockAt(b.InvocationCtx, pos)
				if err != nil || kind == "" {
					continue
				}
				if _, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
					Type:   agentlink.InstrDig,
					Params: map[string]interface{}{"position": pos},
				}); err != nil {
					return gathered, result.NewError(result.KindOperationFailed, err.Error())
				}
				gathered++
			}
		}
	}
	return gathered, nil
}

// ringOffsets returns the deterministic traversal order for ring r of
// expandSquare: top edge west→east, right edge north→south, bottom edge
// east→west, left edge south→north.
func ringOffsets(r int) [][2]int {
	if r == 0 {
		return [][2]int{{0, 0}}
	}
	var offsets [][2]int
	for x := -r; x <= r; x++ {
		offsets = append(offsets, [2]int{x, -r})
	}
	for z := -r + 1; z <= r; z++ {
		offsets = append(offsets, [2]int{r, z})
	}
	for x := r - 1; x >= -r; x-- {
		offsets = append(offsets, [2]int{x, r})
	}
	for z := r - 1; z >= -r+1; z-- {
		offsets = append(offsets, [2]int{-r, z})
	}
	return offsets
}

func (b *Builder) buildSearch(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("expandSquare", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapPathfind, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		opts := call.Argument(0).ToObject(vm)
		radius := 8
		var predicate goja.Callable
		var ringCallback goja.Callable
		if opts != nil {
			if v := opts.Get("radius"); v != nil && !goja.IsUndefined(v) {
				radius = int(v.ToInteger())
			}
			if v := opts.Get("predicate"); v != nil {
				predicate, _ = goja.AssertFunction(v)
			}
			if v := opts.Get("ringCallback"); v != nil && !goja.IsUndefined(v) {
				ringCallback, _ = goja.AssertFunction(v)
			}
		}
		if predicate == nil {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "expandSquare requires a predicate")))
		}

		center := b.currentPosition()
		for r := 0; r <= radius; r++ {
			if ringCallback != nil {
				_, _ = ringCallback(goja.Undefined(), vm.ToValue(r))
			}
			for _, off := range ringOffsets(r) {
				p := geometry.Add(center, result.Position{X: float64(off[0]), Z: float64(off[1])})
				if bErr := b.checkAny(1, result.CapMove, result.CapPathfind); bErr != nil {
					return vm.ToValue(result.Fail(bErr))
				}
				if _, err := b.Agent.ExecuteInstruction(b.InvocationCtx, agentlink.Instruction{
					Type:   agentlink.InstrGoto,
					Params: map[string]interface{}{"target": p},
				}); err != nil {
					return vm.ToValue(result.Fail(result.NewError(result.KindPathfind, err.Error())))
				}
				v, err := predicate(goja.Undefined(), vm.ToValue(p))
				if err != nil {
					return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, err.Error())))
				}
				if r2, ok := v.Export().(result.Result); ok && r2.Ok {
					return vm.ToValue(r2)
				}
			}
		}
		return vm.ToValue(result.Fail(result.NewError(result.KindOperationFailed, "expandSquare exhausted radius without a match")))
	})
	return obj
}

func (b *Builder) buildEvents(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapEvents, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		name := call.Argument(0).String()
		handler, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return vm.ToValue(result.Fail(result.NewError(result.KindInvalidArgument, "events.on requires a handler function")))
		}
		id := b.events.on(name, func(payload interface{}) {
			_, _ = handler(goja.Undefined(), vm.ToValue(payload))
		})
		dispose := vm.ToValue(func() { b.events.off(name, id) })
		return dispose
	})
	_ = obj.Set("emit", func(call goja.FunctionCall) goja.Value {
		if bErr := b.check(result.CapEvents, 1); bErr != nil {
			return vm.ToValue(result.Fail(bErr))
		}
		name := call.Argument(0).String()
		payload := exportValue(call.Argument(1))
		b.events.emit(name, payload)
		return goja.Undefined()
	})
	return obj
}
