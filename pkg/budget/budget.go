// Package budget implements the per-invocation operation admission
// controller: capability gating plus sliding-window and per-invocation
// quotas.
package budget

import (
	"math"
	"sync"
	"time"

	"github.com/mineflare/agent/pkg/result"
)

// Limits is a single capability's per-minute and per-invocation quota. A
// zero PerMinute/PerInvocation means "unset" and is treated as unbounded
// by Remaining.
type Limits struct {
	PerMinute     int
	PerInvocation int
}

// DefaultLimits is the baseline quota table applied to every invocation.
func DefaultLimits() map[result.Capability]Limits {
	return map[result.Capability]Limits{
		result.CapMove:       {PerMinute: 60, PerInvocation: 1000},
		result.CapDig:        {PerMinute: 20, PerInvocation: 500},
		result.CapPlace:      {PerMinute: 20, PerInvocation: 500},
		result.CapCraft:      {PerMinute: 10, PerInvocation: 100},
		result.CapAttack:     {PerMinute: 30, PerInvocation: 300},
		result.CapScreenshot: {PerMinute: 5, PerInvocation: 50},
		result.CapInventory:  {PerMinute: 30, PerInvocation: 500},
	}
}

// entry is one admitted-call record kept in the 60-second sliding window.
type entry struct {
	at    time.Time
	op    result.Capability
	count int
}

// Usage is the point-in-time snapshot returned by GetUsage.
type Usage struct {
	Total     map[result.Capability]int
	PerMinute map[result.Capability]int
	Limits    map[result.Capability]Limits
}

// Remaining is the per-call residual reported by GetRemaining.
type Remaining struct {
	PerMinute     float64 // math.Inf(1) when unset
	PerInvocation float64
}

// Budget is the per-invocation admission controller. It is never shared
// across invocations.
type Budget struct {
	mu     sync.Mutex
	caps   result.CapabilitySet
	limits map[result.Capability]Limits
	ring   []entry
	total  map[result.Capability]int
	now    func() time.Time
}

// New builds a Budget scoped to the effective capability set, with limits
// overlaid onto DefaultLimits(). A nil now defaults to time.Now.
func New(caps result.CapabilitySet, overrides map[result.Capability]Limits, now func() time.Time) *Budget {
	limits := DefaultLimits()
	for c, l := range overrides {
		limits[c] = l
	}
	if now == nil {
		now = time.Now
	}
	return &Budget{
		caps:   caps,
		limits: limits,
		total:  make(map[result.Capability]int),
		now:    now,
	}
}

const window = 60 * time.Second

// sweep drops ring entries older than the 60s window. Caller must hold mu.
func (b *Budget) sweep(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(b.ring); i++ {
		if b.ring[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.ring = b.ring[i:]
	}
}

// recentSum returns the sum of counts for op within the current window.
// Caller must hold mu and have already swept.
func (b *Budget) recentSum(op result.Capability) int {
	sum := 0
	for _, e := range b.ring {
		if e.op == op {
			sum += e.count
		}
	}
	return sum
}

// Check runs the admission policy in order (capability gate, window
// sweep, per-minute quota, per-invocation quota) and, on success,
// records the call.
func (b *Budget) Check(op result.Capability, count int) *result.Error {
	if count <= 0 {
		count = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.caps.Has(op) {
		return result.NewError(result.KindCapability, "capability \""+string(op)+"\" not granted for this invocation")
	}

	now := b.now()
	b.sweep(now)

	limit, hasLimit := b.limits[op]
	if hasLimit && limit.PerMinute > 0 {
		if b.recentSum(op)+count > limit.PerMinute {
			return result.NewError(result.KindResourceLimit, "per-minute limit exceeded for "+string(op))
		}
	}
	if hasLimit && limit.PerInvocation > 0 {
		if b.total[op]+count > limit.PerInvocation {
			return result.NewError(result.KindResourceLimit, "per-invocation limit exceeded for "+string(op))
		}
	}

	b.ring = append(b.ring, entry{at: now, op: op, count: count})
	b.total[op] += count
	return nil
}

// GetUsage returns total and recomputed per-minute counts for every
// capability with a configured limit.
func (b *Budget) GetUsage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweep(b.now())
	usage := Usage{
		Total:     make(map[result.Capability]int),
		PerMinute: make(map[result.Capability]int),
		Limits:    make(map[result.Capability]Limits),
	}
	for op := range b.limits {
		usage.Total[op] = b.total[op]
		usage.PerMinute[op] = b.recentSum(op)
		usage.Limits[op] = b.limits[op]
	}
	return usage
}

// GetRemaining returns the residual per-minute and per-invocation budget for
// op. A disabled capability yields {0,0}; an unset quota yields +Inf.
func (b *Budget) GetRemaining(op result.Capability) Remaining {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.caps.Has(op) {
		return Remaining{}
	}
	b.sweep(b.now())

	limit, hasLimit := b.limits[op]
	r := Remaining{PerMinute: math.Inf(1), PerInvocation: math.Inf(1)}
	if hasLimit {
		if limit.PerMinute > 0 {
			r.PerMinute = float64(limit.PerMinute - b.recentSum(op))
		}
		if limit.PerInvocation > 0 {
			r.PerInvocation = float64(limit.PerInvocation - b.total[op])
		}
	}
	return r
}
