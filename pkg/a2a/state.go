package a2a

import "time"

/*
TaskState enumerates the mutually-exclusive states a task may be in.  The
zero value is "unknown"; a task observed over the wire is never in it.
*/
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
	TaskStateUnknown       TaskState = "unknown"
)

// finalStates admit no outgoing transitions.
var finalStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateCanceled:  true,
	TaskStateFailed:    true,
	TaskStateRejected:  true,
}

// validTransitions is the full lifecycle table.  Anything absent is a
// conflict, including every edge out of a final state.
var validTransitions = map[TaskState]map[TaskState]bool{
	TaskStateSubmitted: {
		TaskStateWorking:  true,
		TaskStateRejected: true,
		TaskStateCanceled: true,
	},
	TaskStateWorking: {
		TaskStateInputRequired: true,
		TaskStateAuthRequired:  true,
		TaskStateCompleted:     true,
		TaskStateCanceled:      true,
		TaskStateFailed:        true,
	},
	TaskStateInputRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
	TaskStateAuthRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
}

// Final reports whether no further transitions are allowed out of s.
func (s TaskState) Final() bool {
	return finalStates[s]
}

// Interruptible reports whether s is a waiting state the client may resume.
func (s TaskState) Interruptible() bool {
	return s == TaskStateInputRequired || s == TaskStateAuthRequired
}

// ValidTransition reports whether the lifecycle permits moving from one
// state to another.
func ValidTransition(from, to TaskState) bool {
	return validTransitions[from][to]
}

type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
