package a2a

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

/*
Task is the central entity: an asynchronous unit of work with a lifecycle,
an append-only message history and accumulated artifacts.  ContextID groups
related tasks into a conversation; it is minted by the server on the first
task of a context and reused thereafter.
*/
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewTask mints a task in the submitted state.  An empty contextID starts a
// fresh conversation.
func NewTask(contextID string, metadata map[string]any) *Task {
	if contextID == "" {
		contextID = uuid.NewString()
	}

	now := time.Now().UTC()

	return &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Status: TaskStatus{
			State:     TaskStateSubmitted,
			Timestamp: now,
		},
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func NewTaskFromJSON(body []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ToStatus moves the task to a new state, stamping the transition time.
// Callers are expected to have checked ValidTransition first.
func (task *Task) ToStatus(state TaskState, message *Message) {
	task.Status.State = state
	task.Status.Timestamp = time.Now().UTC()
	task.Status.Message = message
	task.UpdatedAt = task.Status.Timestamp
}

func (task *Task) LastMessage() *Message {
	if len(task.History) == 0 {
		return nil
	}

	return &task.History[len(task.History)-1]
}

// AddMessage appends to the history, binding the message to this task.
func (task *Task) AddMessage(message Message) {
	message.TaskID = task.ID
	message.ContextID = task.ContextID
	task.History = append(task.History, message)
	task.UpdatedAt = time.Now().UTC()
}

/*
UpsertArtifact merges an artifact chunk into the task.  A chunk whose
ArtifactID matches an existing artifact extends it when appendParts is set,
or replaces its parts otherwise; an unknown ArtifactID adds a new artifact.
Artifacts are never removed.
*/
func (task *Task) UpsertArtifact(artifact Artifact, appendParts bool) {
	task.UpdatedAt = time.Now().UTC()

	for i := range task.Artifacts {
		if task.Artifacts[i].ArtifactID != artifact.ArtifactID {
			continue
		}

		if appendParts {
			task.Artifacts[i].Parts = append(task.Artifacts[i].Parts, artifact.Parts...)
		} else {
			task.Artifacts[i].Parts = artifact.Parts
		}

		if artifact.Name != nil {
			task.Artifacts[i].Name = artifact.Name
		}
		if artifact.Description != nil {
			task.Artifacts[i].Description = artifact.Description
		}
		return
	}

	task.Artifacts = append(task.Artifacts, artifact)
}

/*
Clone returns a copy that shares no mutable state with the original, so a
reader can hold it while the store keeps writing.  A non-negative
historyLength truncates the copy's history to the most recent N messages;
pass a negative value to keep everything.
*/
func (task *Task) Clone(historyLength int) Task {
	clone := *task

	history := task.History
	if historyLength >= 0 && len(history) > historyLength {
		history = history[len(history)-historyLength:]
	}
	clone.History = append([]Message(nil), history...)

	clone.Artifacts = make([]Artifact, len(task.Artifacts))
	for i, artifact := range task.Artifacts {
		clone.Artifacts[i] = artifact
		clone.Artifacts[i].Parts = append([]Part(nil), artifact.Parts...)
	}

	if task.Metadata != nil {
		clone.Metadata = make(map[string]any, len(task.Metadata))
		for k, v := range task.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

// MessageSendParams carries the payload of sendMessage and
// sendMessageStreaming.
type MessageSendParams struct {
	// Message is the message content to send to the agent for processing
	Message Message `json:"message"`
	// Config tunes how the send is handled; optional
	Config *MessageSendConfig `json:"config,omitempty"`
	// Callback is the capability invoked with update events; streaming only
	Callback string `json:"callback,omitempty"`
	// Metadata is optional metadata associated with sending this message
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MessageSendConfig tunes a single send.
type MessageSendConfig struct {
	// HistoryLength caps how much history the returned task includes
	HistoryLength *int `json:"historyLength,omitempty"`
	// PushNotification registers a webhook for this task's updates
	PushNotification *PushNotificationConfig `json:"pushNotification,omitempty"`
}

// TaskQueryParams selects a single task, optionally capping history.
type TaskQueryParams struct {
	TaskID        string         `json:"taskId"`
	HistoryLength *int           `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskListParams filters and pages through the task collection.
type TaskListParams struct {
	ContextID        string      `json:"contextId,omitempty"`
	States           []TaskState `json:"states,omitempty"`
	PageSize         int         `json:"pageSize,omitempty"`
	PageToken        string      `json:"pageToken,omitempty"`
	HistoryLength    *int        `json:"historyLength,omitempty"`
	LastUpdatedAfter *time.Time  `json:"lastUpdatedAfter,omitempty"`
	IncludeArtifacts bool        `json:"includeArtifacts,omitempty"`
}

// TaskList is the result page of listTasks.
type TaskList struct {
	Tasks         []Task `json:"tasks"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	TotalSize     int    `json:"totalSize"`
}

// PushNotificationConfig registers a webhook for task update delivery.
type PushNotificationConfig struct {
	// URL is the endpoint where the server should send notifications
	URL string `json:"url"`
	// Token is included in push requests for verification by the receiver
	Token *string `json:"token,omitempty"`
}

// PushSubscribeParams carries subscribeToPushNotifications: either a
// callback capability or a webhook config (or both).
type PushSubscribeParams struct {
	TaskID   string                  `json:"taskId"`
	Callback string                  `json:"callback,omitempty"`
	Config   *PushNotificationConfig `json:"config,omitempty"`
}

func (task *Task) String() string {
	var sb strings.Builder

	// Styles
	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("212")).
		Bold(true)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("252"))

	sectionStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		Bold(true)

	indent := "   "
	bullet := "│ "

	sb.WriteString(headerStyle.Render("Task") + "\n")
	sb.WriteString(bullet + labelStyle.Render("ID: ") + valueStyle.Render(task.ID) + "\n")
	sb.WriteString(bullet + labelStyle.Render("Context ID: ") + valueStyle.Render(task.ContextID) + "\n")

	sb.WriteString("\n" + sectionStyle.Render("Status") + "\n")
	sb.WriteString(bullet + labelStyle.Render("State: ") + valueStyle.Render(string(task.Status.State)) + "\n")
	if task.Status.Message != nil {
		sb.WriteString(bullet + labelStyle.Render("Message: ") + valueStyle.Render(task.Status.Message.String()) + "\n")
	}
	sb.WriteString(bullet + labelStyle.Render("Timestamp: ") + valueStyle.Render(task.Status.Timestamp.Format(time.RFC3339)) + "\n")

	if len(task.History) > 0 {
		sb.WriteString("\n" + sectionStyle.Render("History") + "\n")
		for i, message := range task.History {
			sb.WriteString(bullet + labelStyle.Render(fmt.Sprintf("Message %d", i+1)) + "\n")
			sb.WriteString(bullet + indent + labelStyle.Render("Role: ") + valueStyle.Render(message.Role) + "\n")
			for _, part := range message.Parts {
				sb.WriteString(bullet + indent + labelStyle.Render("Content: ") + valueStyle.Render(part.Text) + "\n")
			}
		}
	}

	if len(task.Artifacts) > 0 {
		sb.WriteString("\n" + sectionStyle.Render("Artifacts") + "\n")
		for i, artifact := range task.Artifacts {
			sb.WriteString(bullet + labelStyle.Render(fmt.Sprintf("Artifact %d", i+1)) + "\n")
			if artifact.Name != nil {
				sb.WriteString(bullet + indent + labelStyle.Render("Name: ") + valueStyle.Render(*artifact.Name) + "\n")
			}
			for j, part := range artifact.Parts {
				sb.WriteString(bullet + indent + labelStyle.Render(fmt.Sprintf("Part %d: ", j+1)) + valueStyle.Render(part.Text) + "\n")
			}
		}
	}

	if len(task.Metadata) > 0 {
		sb.WriteString("\n" + sectionStyle.Render("Metadata") + "\n")
		keys := make([]string, 0, len(task.Metadata))
		for k := range task.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(bullet + labelStyle.Render(k+": ") + valueStyle.Render(fmt.Sprintf("%v", task.Metadata[k])) + "\n")
		}
	}

	return sb.String()
}
