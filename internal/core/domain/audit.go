package domain

import (
	"encoding/json"
	"time"
)

const (
	EntityOccurrence = "occurrence"
	EntityDispatch   = "dispatch"
)

const (
	ActionOccurrenceCreated               = "occurrence.created"
	ActionOccurrenceUpdated               = "occurrence.updated"
	ActionOccurrenceDuplicate             = "occurrence.duplicate"
	ActionOccurrenceStarted               = "occurrence.started"
	ActionOccurrenceStatusChanged         = "occurrence.status_changed"
	ActionOccurrenceFinished              = "occurrence.finished"
	ActionOccurrenceStatusChangedDispatch = "occurrence.status_changed_by_dispatch"
	ActionDispatchCreated                 = "dispatch.created"
	ActionDispatchStatusChanged           = "dispatch.status_changed"
)

// AuditMeta links an audit entry to the command that caused it.
type AuditMeta struct {
	Source         Source      `json:"source"`
	CommandID      string      `json:"commandId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	CommandType    CommandType `json:"commandType"`
	OccurrenceID   string      `json:"occurrenceId,omitempty"`
	DispatchID     string      `json:"dispatchId,omitempty"`
}

// AuditEntry is one append-only row of the audit log. Before is empty for
// creations.
type AuditEntry struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Meta       json.RawMessage `json:"meta"`
	CreatedAt  time.Time       `json:"created_at"`
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	AfterID    int64
	Limit      int
}

const CurrentEventSchemaVersion = 1

// EventEnvelope is published through the outbox for every audit entry.
type EventEnvelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SchemaVersion  int             `json:"schema_version"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CommandID      string          `json:"command_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         Source          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}
