package wal

import "github.com/ChuLiYu/pipeexec/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the task-state events the file store logs
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventRegister   EventType = "REGISTER"   // Task record inserted (WAITING)
	EventTransition EventType = "TRANSITION" // Validated state change
	EventReset      EventType = "RESET"      // Operator reset to WAITING
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64            `json:"seq"`              // Event sequence number (monotonically increasing, survives rotation)
	Type      EventType         `json:"type"`             // Event type
	Name      types.TaskName    `json:"name"`             // Task the event applies to
	State     types.TaskState   `json:"state"`            // State after the event
	Record    *types.TaskRecord `json:"record,omitempty"` // Full record, REGISTER only
	Timestamp int64             `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32            `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to the store
type EventHandler func(event Event) error
