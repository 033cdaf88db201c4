// Package runner implements per-invocation orchestration: validating the
// external agent is bound, merging args, computing effective
// capabilities, wiring up a Sandbox and Context, and mapping the
// sandbox's outcome onto an InvocationRecord.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mineflare/agent/pkg/agentctx"
	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/budget"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/sandbox"
	"github.com/mineflare/agent/pkg/telemetry"
)

// Status is an invocation's lifecycle state. The set is closed: a timeout
// is a FAILED record carrying a TIMEOUT error, not a status of its own.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Options configures a single invocation.
type Options struct {
	TimeoutMs    int
	Capabilities []result.Capability
	Seed         int64
}

// InvocationRecord is the terminal (or in-flight) record of one run,
// returned by Registry.run/getStatus/getHistory.
type InvocationRecord struct {
	InvocationID string                 `json:"invocationId"`
	ProgramName  string                 `json:"programName"`
	Status       Status                 `json:"status"`
	Value        interface{}            `json:"value,omitempty"`
	Err          *result.Error          `json:"error,omitempty"`
	Args         map[string]interface{} `json:"args"`
	Capabilities []result.Capability    `json:"capabilities"`
	Seed         int64                  `json:"seed"`
	StartedAt    time.Time              `json:"startedAt"`
	EndedAt      time.Time              `json:"endedAt,omitempty"`
	Logs         []agentctx.LogEntry    `json:"logs,omitempty"`
	Usage        budget.Usage           `json:"usage"`
}

// ProgramSource is the minimal program description a Runner needs: its
// name, source text, and its own declared capability/defaults metadata.
type ProgramSource struct {
	Name         string
	Source       string
	Capabilities []result.Capability
	Defaults     map[string]interface{}
}

// Deps carries the ambient collaborators every Runner shares: the agent
// handle, the configured default timeout, and the telemetry stack. Metrics
// and BudgetOverrides may be nil.
type Deps struct {
	Agent           agentlink.Agent
	DefaultTimeout  time.Duration
	Logger          *telemetry.Logger
	Metrics         *telemetry.Metrics
	BudgetOverrides map[result.Capability]budget.Limits
}

// Runner drives exactly one invocation. It holds the single cancellation
// token for the invocation: cancel aborts the Sandbox and resolves any
// pending flow combinator with a cancellation error.
type Runner struct {
	invocationID string
	program      ProgramSource
	deps         Deps

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// New builds a Runner for one invocation of program.
func New(program ProgramSource, deps Deps) *Runner {
	return &Runner{
		invocationID: uuid.NewString(),
		program:      program,
		deps:         deps,
	}
}

// InvocationID returns the UUID assigned to this Runner.
func (r *Runner) InvocationID() string { return r.invocationID }

// Cancel aborts the in-flight invocation, if any. Safe to call multiple
// times and before Run has started (the cancellation is observed as soon
// as Run installs its context).
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Run executes the program to completion (or until cancelled/timed out)
// and returns its terminal InvocationRecord. It never returns an error:
// every failure mode is reflected in the record itself, so no failure
// terminates a program without appearing in its InvocationRecord.
func (r *Runner) Run(ctx context.Context, args map[string]interface{}, opts Options) InvocationRecord {
	startedAt := time.Now()
	rec := InvocationRecord{
		InvocationID: r.invocationID,
		ProgramName:  r.program.Name,
		Args:         args,
		Seed:         opts.Seed,
		StartedAt:    startedAt,
	}
	if rec.Seed == 0 {
		rec.Seed = 1
	}

	if !r.deps.Agent.IsConnected() {
		rec.Status = StatusFailed
		rec.Err = result.NewError(result.KindExternalDisconnected, "external agent is not connected")
		rec.EndedAt = time.Now()
		r.deps.Metrics.ObserveInvocation(r.program.Name, string(rec.Status))
		return rec
	}

	mergedArgs := mergeArgs(r.program.Defaults, args)
	rec.Args = mergedArgs

	effectiveCaps := effectiveCapabilities(r.program.Capabilities, opts.Capabilities)
	rec.Capabilities = effectiveCaps.Slice()

	timeout := r.deps.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()
	defer cancel()

	bgt := budget.New(effectiveCaps, r.deps.BudgetOverrides, nil)
	ctxBuilder := &agentctx.Builder{
		Agent:         r.deps.Agent,
		Budget:        bgt,
		Capabilities:  effectiveCaps,
		Args:          mergedArgs,
		Seed:          rec.Seed,
		InvocationCtx: runCtx,
		Metrics:       r.deps.Metrics,
	}
	build, ctxResult := ctxBuilder.Build()

	sb := sandbox.New(timeout)
	outcome := sb.Execute(runCtx, r.program.Source, build)
	ctxBuilder.Finish(ctxResult)

	rec.Logs = ctxResult.Logs
	rec.Usage = ctxResult.Usage
	rec.EndedAt = time.Now()

	switch outcome.Status {
	case sandbox.StatusSucceeded:
		rec.Status = StatusSucceeded
		rec.Value = outcome.Value
	case sandbox.StatusCancelled:
		rec.Status = StatusCancelled
		rec.Err = outcome.Err
	default:
		// FAILED and TIMED_OUT both land here: the record's status set is
		// closed, and a timeout is a failure carrying a TIMEOUT error.
		rec.Status = StatusFailed
		rec.Err = outcome.Err
	}

	r.deps.Metrics.ObserveInvocation(r.program.Name, string(rec.Status))
	r.deps.Metrics.ObserveSandboxDuration(r.program.Name, rec.EndedAt.Sub(startedAt).Seconds())
	if r.deps.Logger != nil {
		r.deps.Logger.Info("invocation finished",
			"invocationId", r.invocationID, "program", r.program.Name, "status", string(rec.Status))
	}
	return rec
}

// mergeArgs shallow-merges args over defaults: args values win.
func mergeArgs(defaults, args map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(args))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

// effectiveCapabilities intersects the program's declared capabilities
// with the invocation's requested set, defaulting to the program's own
// set when the invocation does not narrow it.
func effectiveCapabilities(programCaps, invocationCaps []result.Capability) result.CapabilitySet {
	progSet := result.NewCapabilitySet(programCaps)
	if invocationCaps == nil {
		return progSet
	}
	invSet := result.NewCapabilitySet(invocationCaps)
	return progSet.Intersect(invSet)
}
