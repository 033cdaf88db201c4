package agentctx

import "testing"

func TestLogBufferDropsOldestPastCapacity(t *testing.T) {
	b := newLogBuffer(2)
	b.append(LogEntry{Message: "one"})
	b.append(LogEntry{Message: "two"})
	b.append(LogEntry{Message: "three"})

	got := b.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(got))
	}
	if got[0].Message != "two" || got[1].Message != "three" {
		t.Fatalf("expected oldest entry dropped, got %+v", got)
	}
}

func TestLogBufferDefaultsCapacity(t *testing.T) {
	b := newLogBuffer(0)
	if b.capacity != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", b.capacity)
	}
}

func TestEventBusDeliversInRegistrationOrder(t *testing.T) {
	bus := newEventBus()
	var order []int
	bus.on("tick", func(payload interface{}) { order = append(order, 1) })
	bus.on("tick", func(payload interface{}) { order = append(order, 2) })

	bus.emit("tick", nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers to run in registration order, got %v", order)
	}
}

func TestEventBusOffRemovesHandler(t *testing.T) {
	bus := newEventBus()
	calls := 0
	id := bus.on("tick", func(payload interface{}) { calls++ })
	bus.off("tick", id)

	bus.emit("tick", nil)

	if calls != 0 {
		t.Fatalf("expected removed handler not to fire, got %d calls", calls)
	}
}

func TestEventBusIgnoresUnknownEventName(t *testing.T) {
	bus := newEventBus()
	bus.emit("nonexistent", "payload")
}
