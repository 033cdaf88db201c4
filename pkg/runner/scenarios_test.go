package runner

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/result"
)

func runSource(t *testing.T, agentHandle agentlink.Agent, source string, caps []result.Capability, opts Options) InvocationRecord {
	t.Helper()
	prog := ProgramSource{Name: "scenario", Source: source, Capabilities: caps}
	r := New(prog, Deps{Agent: agentHandle, DefaultTimeout: 10 * time.Second})
	return r.Run(context.Background(), nil, opts)
}

// slowAgent delays every instruction, for exercising per-operation
// timeouts against an agent that does not respond promptly.
type slowAgent struct {
	*agentlink.Simulator
	delay time.Duration
}

func (s *slowAgent) ExecuteInstruction(ctx context.Context, instr agentlink.Instruction) (interface{}, error) {
	select {
	case <-time.After(s.delay):
		return s.Simulator.ExecuteInstruction(ctx, instr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TestCapabilityDeniedNeverReachesAgent checks that a program with
// no capabilities calling goto fails with CAPABILITY naming "move", and
// the agent receives zero instructions.
func TestCapabilityDeniedNeverReachesAgent(t *testing.T) {
	sim := agentlink.NewSimulator()
	src := `defineProgram({ name: "s1", capabilities: [], run: (ctx) => {
		const r = ctx.actions.navigate.goto({ x: 0, y: 64, z: 0 });
		if (r.ok) { ctx.control.fail("expected denial"); }
		throw ProgramError(r.error.kind, r.error.message);
	} })`
	rec := runSource(t, sim, src, nil, Options{})

	if rec.Status != StatusFailed || rec.Err == nil || rec.Err.Kind != result.KindCapability {
		t.Fatalf("got status=%v err=%v, want FAILED with CAPABILITY", rec.Status, rec.Err)
	}
	if !strings.Contains(rec.Err.Message, "move") {
		t.Fatalf("error message %q does not name the missing capability", rec.Err.Message)
	}
	if got := sim.ExecutedInstructions(); len(got) != 0 {
		t.Fatalf("agent received %d instructions, want 0", len(got))
	}
}

// TestRateLimitAdmitsSixtyThenRejects checks that 60 gotos in a
// tight loop are admitted, the 61st is rejected with RESOURCE_LIMIT, and
// the final usage snapshot reflects 60 in the per-minute window.
func TestRateLimitAdmitsSixtyThenRejects(t *testing.T) {
	sim := agentlink.NewSimulator()
	src := `defineProgram({ name: "s2", capabilities: ["move"], run: (ctx) => {
		let admitted = 0;
		let lastKind = "";
		for (let i = 0; i < 61; i++) {
			const r = ctx.actions.navigate.goto({ x: i, y: 64, z: 0 });
			if (r.ok) { admitted++; } else { lastKind = r.error.kind; }
		}
		ctx.control.success({ admitted: admitted, lastKind: lastKind });
	} })`
	rec := runSource(t, sim, src, []result.Capability{result.CapMove}, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value, ok := rec.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected value shape %#v", rec.Value)
	}
	if value["admitted"] != int64(60) {
		t.Fatalf("admitted = %v, want 60", value["admitted"])
	}
	if value["lastKind"] != string(result.KindResourceLimit) {
		t.Fatalf("lastKind = %v, want RESOURCE_LIMIT", value["lastKind"])
	}
	if rec.Usage.PerMinute[result.CapMove] != 60 {
		t.Fatalf("usage.PerMinute[move] = %d, want 60", rec.Usage.PerMinute[result.CapMove])
	}
	if got := sim.ExecutedInstructions(); len(got) != 60 {
		t.Fatalf("agent received %d instructions, want exactly the 60 admitted", len(got))
	}
}

// TestSeededRNGIsReproducible checks that identical seeds produce
// identical 5-value sequences across invocations; a different seed
// diverges.
func TestSeededRNGIsReproducible(t *testing.T) {
	src := `defineProgram({ name: "s3", run: (ctx) => {
		const vals = [];
		for (let i = 0; i < 5; i++) { vals.push(ctx.rng.next()); }
		ctx.control.success(vals);
	} })`

	first := runSource(t, agentlink.NewSimulator(), src, nil, Options{Seed: 42})
	second := runSource(t, agentlink.NewSimulator(), src, nil, Options{Seed: 42})
	other := runSource(t, agentlink.NewSimulator(), src, nil, Options{Seed: 43})

	if first.Status != StatusSucceeded || second.Status != StatusSucceeded || other.Status != StatusSucceeded {
		t.Fatalf("statuses: %v %v %v", first.Status, second.Status, other.Status)
	}
	if !reflect.DeepEqual(first.Value, second.Value) {
		t.Fatalf("same seed diverged: %v vs %v", first.Value, second.Value)
	}
	if reflect.DeepEqual(first.Value, other.Value) {
		t.Fatalf("seeds 42 and 43 produced identical sequences: %v", first.Value)
	}
}

// TestTransactionRollsBackInsideProgram exercises rollback at the
// program level: step A succeeds, step B fails, rollbackA runs exactly once and
// completedSteps is ["A"].
func TestTransactionRollsBackInsideProgram(t *testing.T) {
	src := `defineProgram({ name: "s5", run: (ctx) => {
		const rollbacks = [];
		const r = ctx.flow.transaction([
			{ name: "A", operation: () => ok("a"), rollback: () => { rollbacks.push("A"); } },
			{ name: "B", operation: () => fail("boom") },
		]);
		ctx.control.success({ ok: r.ok, completed: r.error.detail.completedSteps, rollbacks: rollbacks });
	} })`
	rec := runSource(t, agentlink.NewSimulator(), src, nil, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["ok"] != false {
		t.Fatalf("transaction reported ok: %#v", value)
	}
	completed, _ := value["completed"].([]string)
	if len(completed) != 1 || completed[0] != "A" {
		t.Fatalf("completedSteps = %v, want [A]", value["completed"])
	}
	rollbacks, _ := value["rollbacks"].([]interface{})
	if len(rollbacks) != 1 || rollbacks[0] != "A" {
		t.Fatalf("rollbacks = %v, want exactly one for A", rollbacks)
	}
}

// TestPerOperationTimeoutLeavesProgramAlive checks that a
// per-operation timeout fails that operation with TIMEOUT but the program
// itself keeps running and finishes normally.
func TestPerOperationTimeoutLeavesProgramAlive(t *testing.T) {
	src := `defineProgram({ name: "s6", run: (ctx) => {
		const r = ctx.flow.withTimeout(() => { for (;;) {} }, 100, "spin");
		if (r.ok || r.error.kind !== "TIMEOUT") {
			throw ProgramError("RUNTIME", "expected a TIMEOUT result, got " + JSON.stringify(r));
		}
		ctx.control.success(r.error.message);
	} })`
	rec := runSource(t, agentlink.NewSimulator(), src, nil, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	msg, _ := rec.Value.(string)
	if !strings.Contains(msg, "100ms") {
		t.Fatalf("timeout message %q does not name the deadline", msg)
	}
}

// TestThrownTypedErrorKeepsItsKind verifies a thrown ProgramError
// surfaces in the record with its kind, message, and detail intact.
func TestThrownTypedErrorKeepsItsKind(t *testing.T) {
	src := `defineProgram({ name: "typed", run: (ctx) => {
		throw ProgramError("PRECONDITION", "wrong block", { expected: "oak_log" });
	} })`
	rec := runSource(t, agentlink.NewSimulator(), src, nil, Options{})

	if rec.Status != StatusFailed || rec.Err == nil {
		t.Fatalf("status = %v", rec.Status)
	}
	if rec.Err.Kind != result.KindPrecondition || rec.Err.Message != "wrong block" {
		t.Fatalf("got %+v, want PRECONDITION/wrong block", rec.Err)
	}
	detail, _ := rec.Err.Detail.(map[string]interface{})
	if detail["expected"] != "oak_log" {
		t.Fatalf("detail = %#v", rec.Err.Detail)
	}
}

// TestScanBlocksDeterministicOrder pins the block scan traversal order:
// x outer, y middle, z inner, all ascending.
func TestScanBlocksDeterministicOrder(t *testing.T) {
	sim := agentlink.NewSimulator()
	sim.SetBlock(result.Position{X: 1, Y: 64, Z: 0}, "stone")
	sim.SetBlock(result.Position{X: -1, Y: 64, Z: 0}, "stone")
	sim.SetBlock(result.Position{X: 0, Y: 65, Z: 0}, "stone")
	sim.SetBlock(result.Position{X: 0, Y: 64, Z: 1}, "stone")

	src := `defineProgram({ name: "scan", run: (ctx) => {
		const r = ctx.world.scan.blocks({ radius: 2, max: 10 });
		ctx.control.success(r.value.map((b) => [b.position.x, b.position.y, b.position.z]));
	} })`
	rec := runSource(t, sim, src, nil, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	want := [][3]float64{{-1, 64, 0}, {0, 64, 1}, {0, 65, 0}, {1, 64, 0}}
	got, _ := rec.Value.([]interface{})
	if len(got) != len(want) {
		t.Fatalf("found %d blocks, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		triple := got[i].([]interface{})
		for j := 0; j < 3; j++ {
			if triple[j].(float64) != w[j] {
				t.Fatalf("block %d = %v, want %v (full: %v)", i, triple, w, got)
			}
		}
	}
}

// TestExpandSquareVisitsRingsInOrder drives the spiral search over the
// simulator and checks both the hit position and the ring callbacks.
func TestExpandSquareVisitsRingsInOrder(t *testing.T) {
	sim := agentlink.NewSimulator()
	src := `defineProgram({ name: "spiral", capabilities: ["pathfind"], run: (ctx) => {
		const rings = [];
		const r = ctx.actions.search.expandSquare({
			radius: 3,
			ringCallback: (ri) => rings.push(ri),
			predicate: (p) => {
				if (p.x === 1 && p.z === -1) { return ok(p); }
				return fail("not here");
			},
		});
		ctx.control.success({ found: r.ok, x: r.value.x, z: r.value.z, rings: rings });
	} })`
	rec := runSource(t, sim, src, []result.Capability{result.CapPathfind}, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["found"] != true || value["x"] != float64(1) || value["z"] != float64(-1) {
		t.Fatalf("unexpected hit: %#v", value)
	}
	rings, _ := value["rings"].([]interface{})
	if len(rings) != 2 || rings[0] != int64(0) || rings[1] != int64(1) {
		t.Fatalf("rings = %v, want [0 1]", rings)
	}
}

// TestProgramLogsAreCaptured checks log lines land in the record with
// their level and metadata.
func TestProgramLogsAreCaptured(t *testing.T) {
	src := `defineProgram({ name: "logs", run: (ctx) => {
		ctx.log.info("starting", { phase: 1 });
		ctx.log.warn("low on budget");
		ctx.control.success(null);
	} })`
	rec := runSource(t, agentlink.NewSimulator(), src, nil, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	if len(rec.Logs) != 2 {
		t.Fatalf("captured %d log entries, want 2", len(rec.Logs))
	}
	if rec.Logs[0].Level != "info" || rec.Logs[0].Message != "starting" {
		t.Fatalf("first entry = %+v", rec.Logs[0])
	}
	if rec.Logs[1].Level != "warn" {
		t.Fatalf("second entry = %+v", rec.Logs[1])
	}
}

// TestParallelPreservesInputOrder runs flow.parallel from inside a program
// and checks results come back in input order.
func TestParallelPreservesInputOrder(t *testing.T) {
	src := `defineProgram({ name: "par", run: (ctx) => {
		const r = ctx.flow.parallel([
			() => ok("first"),
			() => ok("second"),
			() => ok("third"),
		], 2);
		ctx.control.success({ ok: r.ok, values: r.value.map((res) => res.value) });
	} })`
	rec := runSource(t, agentlink.NewSimulator(), src, nil, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["ok"] != true {
		t.Fatalf("parallel failed: %#v", value)
	}
	values, _ := value["values"].([]interface{})
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if values[i] != w {
			t.Fatalf("values = %v, want %v", values, want)
		}
	}
}

// TestGotoHonorsPerOperationTimeout checks that a goto with timeoutMs
// against a slow agent fails that one call with TIMEOUT while the program
// finishes normally.
func TestGotoHonorsPerOperationTimeout(t *testing.T) {
	slow := &slowAgent{Simulator: agentlink.NewSimulator(), delay: 5 * time.Second}
	src := `defineProgram({ name: "slowgoto", capabilities: ["move"], run: (ctx) => {
		const r = ctx.actions.navigate.goto({ x: 1, y: 64, z: 0 }, { timeoutMs: 50 });
		ctx.control.success({ ok: r.ok, kind: r.ok ? "" : r.error.kind });
	} })`
	rec := runSource(t, slow, src, []result.Capability{result.CapMove}, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["ok"] != false || value["kind"] != string(result.KindTimeout) {
		t.Fatalf("expected the goto itself to fail with TIMEOUT, got %#v", value)
	}
}

// TestRequireBlocksGathersShortfall seeds nearby blocks and checks that
// requireBlocks with allowGather digs the shortfall and reports the
// updated total.
func TestRequireBlocksGathersShortfall(t *testing.T) {
	sim := agentlink.NewSimulator()
	sim.SetBlock(result.Position{X: 1, Y: 64, Z: 0}, "stone")
	sim.SetBlock(result.Position{X: 2, Y: 64, Z: 0}, "stone")
	sim.SetBlock(result.Position{X: 3, Y: 64, Z: 0}, "stone")

	src := `defineProgram({ name: "gather", capabilities: ["inventory", "dig"], run: (ctx) => {
		const r = ctx.actions.inventory.requireBlocks({ count: 2, allowGather: true });
		ctx.control.success({ ok: r.ok, total: r.value });
	} })`
	rec := runSource(t, sim, src, []result.Capability{result.CapInventory, result.CapDig}, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["ok"] != true || value["total"] != int64(2) {
		t.Fatalf("expected 2 gathered blocks, got %#v", value)
	}
	digs := 0
	for _, instr := range sim.ExecutedInstructions() {
		if instr.Type == agentlink.InstrDig {
			digs++
		}
	}
	if digs != 2 {
		t.Fatalf("agent received %d dig instructions, want exactly the shortfall of 2", digs)
	}
}

// TestRequireBlocksFailsWhenNothingToGather checks that an unmet
// shortfall is a PRECONDITION failure, never a fabricated success.
func TestRequireBlocksFailsWhenNothingToGather(t *testing.T) {
	sim := agentlink.NewSimulator()
	src := `defineProgram({ name: "gather", capabilities: ["inventory", "dig"], run: (ctx) => {
		const r = ctx.actions.inventory.requireBlocks({ count: 2, allowGather: true });
		ctx.control.success({ ok: r.ok, kind: r.ok ? "" : r.error.kind });
	} })`
	rec := runSource(t, sim, src, []result.Capability{result.CapInventory, result.CapDig}, Options{})

	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %v, err = %v", rec.Status, rec.Err)
	}
	value := rec.Value.(map[string]interface{})
	if value["ok"] != false || value["kind"] != string(result.KindPrecondition) {
		t.Fatalf("expected PRECONDITION failure with an empty world, got %#v", value)
	}
}
