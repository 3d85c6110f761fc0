package a2a

import (
	"strings"

	"github.com/google/uuid"
)

// Message roles.  The closed set is enforced by the sanitizer.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

/*
Message represents all non-artifact communication between client & agent.
MessageID is client-minted for inbound messages and server-minted for agent
replies; ContextID and TaskID are filled in once the message is bound to a
task.
*/
type Message struct {
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      string         `json:"role"` // "user" or "agent"
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewTextMessage(role string, text string) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		Role:      role,
		Parts: []Part{
			{Kind: PartKindText, Text: text},
		},
	}
}

func NewFileMessage(role string, file *FilePart) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		Role:      role,
		Parts: []Part{
			{Kind: PartKindFile, File: file},
		},
	}
}

func NewDataMessage(role string, data map[string]any) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		Role:      role,
		Parts: []Part{
			{Kind: PartKindData, Data: data},
		},
	}
}

// String concatenates the text parts; file and data parts are skipped.
func (msg *Message) String() string {
	var sb strings.Builder

	for _, part := range msg.Parts {
		sb.WriteString(part.Text)
	}

	return sb.String()
}
