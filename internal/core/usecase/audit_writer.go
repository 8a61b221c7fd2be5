package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// AuditRecord is one entity mutation to be appended. Before and After are
// snapshots; a nil Before records a creation.
type AuditRecord struct {
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
	Meta       domain.AuditMeta
}

type auditChange struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// AuditWriter appends audit rows and their outbox events through the caller's
// transaction so they commit or roll back with the mutation.
type AuditWriter struct {
	now func() time.Time
}

func NewAuditWriter() AuditWriter {
	return AuditWriter{now: func() time.Time { return time.Now().UTC() }}
}

func (w AuditWriter) Append(ctx context.Context, tx ports.Tx, rec AuditRecord) (domain.AuditEntry, error) {
	before, err := marshalSnapshot(rec.Before)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode audit before: %w", err)
	}
	after, err := marshalSnapshot(rec.After)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode audit after: %w", err)
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode audit meta: %w", err)
	}

	entry, err := tx.InsertAudit(ctx, domain.AuditEntry{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Action:     rec.Action,
		Before:     before,
		After:      after,
		Meta:       meta,
		CreatedAt:  w.now(),
	})
	if err != nil {
		return domain.AuditEntry{}, err
	}

	change, err := json.Marshal(auditChange{Before: nullIfEmpty(before), After: nullIfEmpty(after)})
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode event payload: %w", err)
	}
	envelope := domain.EventEnvelope{
		EventID:        uuid.NewString(),
		EventType:      rec.Action,
		SchemaVersion:  domain.CurrentEventSchemaVersion,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		OccurredAt:     entry.CreatedAt,
		CommandID:      rec.Meta.CommandID,
		IdempotencyKey: rec.Meta.IdempotencyKey,
		Source:         rec.Meta.Source,
		Payload:        change,
	}
	if err := tx.InsertOutbox(ctx, EventTopic(rec.Action), envelope); err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, nil
}

// EventTopic is the outbox topic for an audit action.
func EventTopic(action string) string {
	return "events." + action
}

func marshalSnapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
