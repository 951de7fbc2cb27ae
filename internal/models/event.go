package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload shape of a log entry.
type EventType string

const (
	EventStatus         EventType = "status"
	EventProgress       EventType = "progress"
	EventPrompt         EventType = "prompt"
	EventPromptResolved EventType = "prompt_resolved"
	EventUserMessage    EventType = "user_message"
	EventCompleted      EventType = "completed"
	EventError          EventType = "error"
)

// Origin identifies who produced an event.
type Origin string

const (
	OriginSystem Origin = "system"
	OriginUser   Origin = "user"
)

// Event is one immutable record in a job's append-only log. Seq is assigned
// by the store and is strictly increasing within a job, so stream clients can
// resume from a cursor without missing entries.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Origin    Origin          `json:"origin"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Error     string `json:"error,omitempty"`
	Meta      Meta   `json:"meta,omitempty"`
}

// ProgressPayload accompanies EventProgress.
type ProgressPayload struct {
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// PromptOption is one selectable answer offered to the user.
type PromptOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// PromptPayload accompanies EventPrompt.
type PromptPayload struct {
	ID      string         `json:"id"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Hint    string         `json:"hint,omitempty"`
	Options []PromptOption `json:"options,omitempty"`
	Default string         `json:"default,omitempty"`
}

// PromptResolvedPayload accompanies EventPromptResolved.
type PromptResolvedPayload struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

// UserMessagePayload accompanies EventUserMessage.
type UserMessagePayload struct {
	Message  string `json:"message"`
	Author   string `json:"author,omitempty"`
	PromptID string `json:"prompt_id,omitempty"`
}

// CompletedPayload accompanies EventCompleted.
type CompletedPayload struct {
	Message string        `json:"message"`
	Result  *ReportResult `json:"result,omitempty"`
}

// ErrorPayload accompanies EventError. Stack is populated only for
// unexpected failures, for diagnostics.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DecodePayload unmarshals the payload into the shape implied by Type.
func (e Event) DecodePayload() (any, error) {
	var dst any
	switch e.Type {
	case EventStatus:
		dst = &StatusPayload{}
	case EventProgress:
		dst = &ProgressPayload{}
	case EventPrompt:
		dst = &PromptPayload{}
	case EventPromptResolved:
		dst = &PromptResolvedPayload{}
	case EventUserMessage:
		dst = &UserMessagePayload{}
	case EventCompleted:
		dst = &CompletedPayload{}
	case EventError:
		dst = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return dst, nil
}

// UserInput is one ephemeral entry popped from a job's input queue. The same
// content is also recorded as a user_message event for replay.
type UserInput struct {
	Message  string `json:"message"`
	Author   string `json:"author,omitempty"`
	PromptID string `json:"prompt_id,omitempty"`
}
