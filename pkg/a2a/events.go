package a2a

import (
	"encoding/json"
	"fmt"
)

// Event kinds as they appear on the wire.
const (
	EventKindStatusUpdate   = "status-update"
	EventKindArtifactUpdate = "artifact-update"
)

/*
Event is the union of the two update kinds a task emits.  Every event names
the task and context it belongs to; both identifiers are stable for the
task's lifetime.  Terminal is true for exactly one event per task: the
status update that carries the final flag.
*/
type Event interface {
	Ref() (taskID, contextID string)
	Terminal() bool
}

/*
TaskStatusUpdateEvent is sent when the server wishes to inform subscribers
of a status transition.  Final marks the last event a task will ever emit.
*/
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e TaskStatusUpdateEvent) Ref() (string, string) {
	return e.TaskID, e.ContextID
}

func (e TaskStatusUpdateEvent) Terminal() bool {
	return e.Final
}

/*
TaskArtifactUpdateEvent is emitted when a new or updated artifact chunk is
available for a task.  Append signals that the artifact's parts extend an
artifact already delivered under the same ArtifactID.
*/
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e TaskArtifactUpdateEvent) Ref() (string, string) {
	return e.TaskID, e.ContextID
}

func (e TaskArtifactUpdateEvent) Terminal() bool {
	return false
}

// NewStatusEvent snapshots a task's current status into an update event.
func NewStatusEvent(task *Task, final bool) TaskStatusUpdateEvent {
	return TaskStatusUpdateEvent{
		Kind:      EventKindStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     final,
	}
}

// NewArtifactEvent wraps an artifact chunk into an update event.
func NewArtifactEvent(task *Task, artifact Artifact, appendParts, lastChunk bool) TaskArtifactUpdateEvent {
	return TaskArtifactUpdateEvent{
		Kind:      EventKindArtifactUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Artifact:  artifact,
		Append:    appendParts,
		LastChunk: lastChunk,
	}
}

// DecodeEvent parses a wire event into its concrete kind.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch probe.Kind {
	case EventKindStatusUpdate:
		var event TaskStatusUpdateEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode status update: %w", err)
		}
		return event, nil
	case EventKindArtifactUpdate:
		var event TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode artifact update: %w", err)
		}
		return event, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", probe.Kind)
	}
}
