// Package protocol defines the event types broadcast to observers of the
// town workspace. All events are JSON-encoded and wrapped in an Envelope
// so the transport can route them without knowing their payloads.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event in an Envelope.
type EventType string

const (
	// EvtFileChanged is emitted after every committed write or edit.
	EvtFileChanged EventType = "workspace.file_changed"
	// EvtSessionCreated is emitted when a per-session sandbox is created.
	EvtSessionCreated EventType = "sandbox.session_created"
	// EvtSessionClosed is emitted when a per-session sandbox is closed,
	// either explicitly or by the idle sweep.
	EvtSessionClosed EventType = "sandbox.session_closed"
)

// Envelope is the top-level wrapper for all broadcast events.
type Envelope struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"` // Event ID for correlation and deduplication.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(evtType EventType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      evtType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// FileChangedPayload is the payload of EvtFileChanged.
type FileChangedPayload struct {
	ChangeType string    `json:"change_type"` // "created", "modified", or "deleted".
	Filepath   string    `json:"filepath"`    // Relative to the workspace root.
	Actor      string    `json:"actor"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionLifecyclePayload is the payload of EvtSessionCreated and EvtSessionClosed.
type SessionLifecyclePayload struct {
	SessionID string `json:"session_id"`
	Directory string `json:"directory"`
	Reason    string `json:"reason,omitempty"` // "explicit" or "idle" on close.
}
