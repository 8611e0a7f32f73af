// Package storage defines the durable change-audit store. The in-memory
// ring buffer in the workspace service answers "what changed recently";
// this store keeps the full append-only event log for dashboards. It
// records change metadata only — file contents are never persisted.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChangeRecord is one persisted file-change event.
type ChangeRecord struct {
	ID         uuid.UUID `json:"id"`
	Scope      string    `json:"scope"` // "shared" or the sanitized session id.
	ChangeType string    `json:"change_type"`
	Filepath   string    `json:"filepath"`
	Actor      string    `json:"actor"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeStore appends and queries change records.
type ChangeStore interface {
	Append(ctx context.Context, rec *ChangeRecord) error
	// Recent returns up to limit records for the scope, newest last.
	Recent(ctx context.Context, scope string, limit int) ([]ChangeRecord, error)
	// Ping reports whether the underlying database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
