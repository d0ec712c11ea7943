package session

import (
	"context"

	"github.com/hexenseai/hex-platform/pkg/types"
)

// EventType names an outbound event.
type EventType string

// Outbound event types.
const (
	EventConnectionAck   EventType = "connection_ack"
	EventProfileAck      EventType = "profile_ack"
	EventPackageAck      EventType = "package_ack"
	EventNewThreadAck    EventType = "new_thread_ack"
	EventChunk           EventType = "assistant_message_chunk"
	EventFinalized       EventType = "assistant_stream_finalized"
	EventUIActions       EventType = "ui_actions"
	EventPackageSwitched EventType = "package_switched"
	EventError           EventType = "error"
)

// Event is one message to the caller. Only the fields of its type are set.
type Event struct {
	Type EventType `json:"type"`

	// Principal is set on connection_ack.
	Principal string `json:"principal,omitempty"`

	ProfileID   string `json:"profile_id,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	PackageName string `json:"package_name,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	NewThread   bool   `json:"new_thread,omitempty"`

	Chunk   string           `json:"chunk,omitempty"`
	Actions []types.UIAction `json:"actions,omitempty"`

	// Message and Kind are set on error. Kind is the fault label
	// ("routing", "configuration", "transient", ...) or "cancelled".
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventFinalized || e.Type == EventError
}

// CommandType names an inbound command.
type CommandType string

// Inbound command types.
const (
	CommandProfileChange CommandType = "profile_change"
	CommandPackageChange CommandType = "package_change"
	CommandNewThread     CommandType = "new_thread"
	CommandChatMessage   CommandType = "chat_message"
	CommandCancel        CommandType = "cancel"
)

// Command is one message from the caller.
type Command struct {
	Type      CommandType `json:"type"`
	ProfileID string      `json:"profile_id,omitempty"`
	PackageID string      `json:"package_id,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Emitter delivers events to the caller. Emit must be safe for concurrent
// use; a returned error means the caller is gone.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(ctx context.Context, ev Event) error

// Emit implements [Emitter].
func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
