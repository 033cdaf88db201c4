// Package agentlink defines the external-agent contract that the core
// depends on but never implements for real: the connection to the
// game-world server, reconnect/respawn handling, and packet plumbing
// live in a separate collaborator.
package agentlink

import (
	"context"

	"github.com/mineflare/agent/pkg/result"
)

// Instruction is one outgoing side-effecting request to the external agent.
type Instruction struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}

// Instruction type constants.
const (
	InstrGoto   = "goto"
	InstrStop   = "stop"
	InstrDig    = "dig"
	InstrPlace  = "place"
	InstrCraft  = "craft"
	InstrLook   = "look"
	InstrAttack = "attack"
	InstrEquip  = "equip"
	InstrChat   = "chat"
)

// Event is an asynchronous notification from the external agent (death,
// respawn, chat, ...).
type Event struct {
	Name    string
	Payload interface{}
}

// Agent is the external collaborator contract every Context is built
// against. Implementations are expected to serialize concurrent
// ExecuteInstruction calls themselves.
type Agent interface {
	// IsConnected reports whether the agent currently has a live world
	// connection.
	IsConnected() bool

	// State returns the agent's current observable state.
	State(ctx context.Context) (result.AgentState, error)

	// BlockAt returns the block kind at pos, or "" if unloaded/unknown.
	BlockAt(ctx context.Context, pos result.Position) (string, error)

	// InventoryItems returns the agent's current inventory snapshot.
	InventoryItems(ctx context.Context) ([]result.ItemStack, error)

	// WorldTime returns the current in-game tick-of-day.
	WorldTime(ctx context.Context) (int, error)

	// ExecuteInstruction forwards an admitted side-effecting call and
	// returns its outcome.
	ExecuteInstruction(ctx context.Context, instr Instruction) (interface{}, error)

	// Events returns a channel of asynchronous agent events. Closing ctx
	// unsubscribes. Returns nil if the agent does not support eventing.
	Events(ctx context.Context) (<-chan Event, error)
}
