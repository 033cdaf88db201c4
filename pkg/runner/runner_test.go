package runner

import (
	"context"
	"testing"
	"time"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/result"
)

func TestRunSucceedsWithControlSuccess(t *testing.T) {
	sim := agentlink.NewSimulator()
	prog := ProgramSource{
		Name:         "noop",
		Source:       `defineProgram({ name: "noop", capabilities: ["move"], run: (ctx) => { ctx.control.success({ done: true }); } })`,
		Capabilities: []result.Capability{result.CapMove},
	}
	r := New(prog, Deps{Agent: sim, DefaultTimeout: 5 * time.Second})
	rec := r.Run(context.Background(), nil, Options{})
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
}

func TestRunFailsWhenAgentDisconnected(t *testing.T) {
	sim := agentlink.NewSimulator()
	sim.SetConnected(false)
	prog := ProgramSource{Name: "noop", Source: `defineProgram({ name: "noop", run: (ctx) => 1 })`}
	r := New(prog, Deps{Agent: sim, DefaultTimeout: time.Second})
	rec := r.Run(context.Background(), nil, Options{})
	if rec.Status != StatusFailed || rec.Err == nil || rec.Err.Kind != result.KindExternalDisconnected {
		t.Fatalf("got status=%v err=%v", rec.Status, rec.Err)
	}
}

func TestRunDeniesUngrantedCapability(t *testing.T) {
	sim := agentlink.NewSimulator()
	prog := ProgramSource{
		Name: "digger",
		Source: `defineProgram({ name: "digger", capabilities: ["dig"], run: (ctx) => {
			const r = ctx.actions.gather.mineBlock({ position: { x: 1, y: 64, z: 0 } });
			ctx.control.success(r);
		} })`,
		Capabilities: []result.Capability{result.CapDig},
	}
	r := New(prog, Deps{Agent: sim, DefaultTimeout: time.Second})
	// restrict the invocation to move only, so dig is denied despite the program wanting it
	rec := r.Run(context.Background(), nil, Options{Capabilities: []result.Capability{result.CapMove}})
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	res, ok := rec.Value.(result.Result)
	if !ok || res.Ok || res.Err == nil || res.Err.Kind != result.KindCapability {
		t.Fatalf("expected a capability-denied Result value, got %#v", rec.Value)
	}
}

func TestRunTimesOut(t *testing.T) {
	sim := agentlink.NewSimulator()
	prog := ProgramSource{Name: "spin", Source: `defineProgram({ name: "spin", run: (ctx) => { while (true) {} } })`}
	r := New(prog, Deps{Agent: sim, DefaultTimeout: 20 * time.Millisecond})
	rec := r.Run(context.Background(), nil, Options{})
	if rec.Status != StatusFailed || rec.Err == nil || rec.Err.Kind != result.KindTimeout {
		t.Fatalf("got status=%v err=%v, want FAILED with TIMEOUT", rec.Status, rec.Err)
	}
}

func TestRunCancellation(t *testing.T) {
	sim := agentlink.NewSimulator()
	prog := ProgramSource{Name: "spin", Source: `defineProgram({ name: "spin", run: (ctx) => { while (true) {} } })`}
	r := New(prog, Deps{Agent: sim, DefaultTimeout: time.Minute})
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Cancel()
	}()
	rec := r.Run(context.Background(), nil, Options{})
	if rec.Status != StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED", rec.Status)
	}
}

func TestMergeArgsOverridesDefaults(t *testing.T) {
	merged := mergeArgs(map[string]interface{}{"a": 1, "b": 2}, map[string]interface{}{"b": 3})
	if merged["a"] != 1 || merged["b"] != 3 {
		t.Fatalf("got %v", merged)
	}
}
