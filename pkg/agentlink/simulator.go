package agentlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/mineflare/agent/pkg/result"
)

// Simulator is a deterministic, minimal implementation of Agent used for
// tests and the CLI's --dry-run mode. It intentionally has no physics,
// pathfinding, or real world generation; it only needs to honor the
// Agent contract.
type Simulator struct {
	mu        sync.Mutex
	connected bool
	state     result.AgentState
	blocks    map[result.Position]string
	inventory []result.ItemStack
	worldTime int
	events    chan Event
	executed  []Instruction
}

// NewSimulator builds a connected Simulator standing at (0,64,0) with an
// empty block map; tests shape the world with SetBlock.
func NewSimulator() *Simulator {
	return &Simulator{
		connected: true,
		state: result.AgentState{
			Position: result.Position{X: 0, Y: 64, Z: 0},
			Health:   20,
			Food:     20,
			Oxygen:   20,
			OnGround: true,
		},
		blocks:    make(map[result.Position]string),
		inventory: []result.ItemStack{},
		worldTime: 0,
		events:    make(chan Event, 64),
	}
}

// SetBlock seeds a block kind at pos, used by tests to shape the world.
func (s *Simulator) SetBlock(pos result.Position, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[pos] = kind
}

// SetConnected forces the connected flag, used by tests exercising
// EXTERNAL_DISCONNECTED handling.
func (s *Simulator) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) State(ctx context.Context) (result.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return result.AgentState{}, fmt.Errorf("agent disconnected")
	}
	return s.state, nil
}

func (s *Simulator) BlockAt(ctx context.Context, pos result.Position) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", fmt.Errorf("agent disconnected")
	}
	return s.blocks[pos], nil
}

func (s *Simulator) InventoryItems(ctx context.Context) ([]result.ItemStack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, fmt.Errorf("agent disconnected")
	}
	out := make([]result.ItemStack, len(s.inventory))
	copy(out, s.inventory)
	return out, nil
}

func (s *Simulator) WorldTime(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, fmt.Errorf("agent disconnected")
	}
	return s.worldTime, nil
}

// ExecuteInstruction applies instr to the simulated state. Movement is a
// straight teleport (no pathfinding fidelity, per Non-goals); dig/place
// mutate the block map; craft/attack/equip/chat are acknowledged as no-ops
// that still round-trip through params for observability in tests.
func (s *Simulator) ExecuteInstruction(ctx context.Context, instr Instruction) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, fmt.Errorf("agent disconnected")
	}
	s.executed = append(s.executed, instr)

	switch instr.Type {
	case InstrGoto:
		pos, ok := instr.Params["target"].(result.Position)
		if !ok {
			return nil, fmt.Errorf("goto: missing target")
		}
		s.state.Position = pos
		return "arrived", nil
	case InstrStop:
		return "stopped", nil
	case InstrDig:
		pos, _ := instr.Params["position"].(result.Position)
		delete(s.blocks, pos)
		return "dug", nil
	case InstrPlace:
		pos, _ := instr.Params["position"].(result.Position)
		kind, _ := instr.Params["kind"].(string)
		s.blocks[pos] = kind
		return "placed", nil
	case InstrCraft:
		return "crafted", nil
	case InstrLook:
		return "looked", nil
	case InstrAttack:
		return "attacked", nil
	case InstrEquip:
		return "equipped", nil
	case InstrChat:
		return "sent", nil
	default:
		return nil, fmt.Errorf("unsupported instruction type %q", instr.Type)
	}
}

// ExecutedInstructions returns every instruction admitted so far, in
// arrival order. Tests use it to assert that gated calls never reach the
// agent.
func (s *Simulator) ExecutedInstructions() []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instruction, len(s.executed))
	copy(out, s.executed)
	return out
}

func (s *Simulator) Events(ctx context.Context) (<-chan Event, error) {
	return s.events, nil
}

// Emit injects an event for subscribers, used by tests to drive the events
// surface.
func (s *Simulator) Emit(name string, payload interface{}) {
	select {
	case s.events <- Event{Name: name, Payload: payload}:
	default:
	}
}
