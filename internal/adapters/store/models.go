package store

import (
	"encoding/json"
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

type commandModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	IdempotencyKey string     `gorm:"column:idempotency_key;not null"`
	Source         string     `gorm:"column:source;not null"`
	Type           string     `gorm:"column:type;not null"`
	Payload        string     `gorm:"column:payload;not null"`
	Status         string     `gorm:"column:status;not null"`
	ProcessedAt    *time.Time `gorm:"column:processed_at"`
	Error          *string    `gorm:"column:error"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
}

func (commandModel) TableName() string {
	return "command_inbox"
}

func commandFromDomain(c domain.Command) commandModel {
	return commandModel{
		ID:             c.ID,
		IdempotencyKey: c.IdempotencyKey,
		Source:         string(c.Source),
		Type:           string(c.Type),
		Payload:        string(c.Payload),
		Status:         string(c.Status),
		ProcessedAt:    utcPtr(c.ProcessedAt),
		Error:          c.Error,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
	}
}

func (m commandModel) toDomain() domain.Command {
	return domain.Command{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		Source:         domain.Source(m.Source),
		Type:           domain.CommandType(m.Type),
		Payload:        json.RawMessage(m.Payload),
		Status:         domain.CommandStatus(m.Status),
		ProcessedAt:    utcPtr(m.ProcessedAt),
		Error:          m.Error,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

type occurrenceModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	ExternalID  *string    `gorm:"column:external_id"`
	Type        string     `gorm:"column:type;not null"`
	Status      string     `gorm:"column:status;not null"`
	Description *string    `gorm:"column:description"`
	ReportedAt  *time.Time `gorm:"column:reported_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

func (occurrenceModel) TableName() string {
	return "occurrences"
}

func occurrenceFromDomain(o domain.Occurrence) occurrenceModel {
	return occurrenceModel{
		ID:          o.ID,
		ExternalID:  o.ExternalID,
		Type:        o.Type,
		Status:      string(o.Status),
		Description: o.Description,
		ReportedAt:  utcPtr(o.ReportedAt),
		CreatedAt:   o.CreatedAt.UTC(),
		UpdatedAt:   o.UpdatedAt.UTC(),
	}
}

func (m occurrenceModel) toDomain() domain.Occurrence {
	return domain.Occurrence{
		ID:          m.ID,
		ExternalID:  m.ExternalID,
		Type:        m.Type,
		Status:      domain.OccurrenceStatus(m.Status),
		Description: m.Description,
		ReportedAt:  utcPtr(m.ReportedAt),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

type dispatchModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	OccurrenceID string    `gorm:"column:occurrence_id;not null"`
	ResourceCode string    `gorm:"column:resource_code;not null"`
	Status       string    `gorm:"column:status;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (dispatchModel) TableName() string {
	return "dispatches"
}

func dispatchFromDomain(d domain.Dispatch) dispatchModel {
	return dispatchModel{
		ID:           d.ID,
		OccurrenceID: d.OccurrenceID,
		ResourceCode: d.ResourceCode,
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func (m dispatchModel) toDomain() domain.Dispatch {
	return domain.Dispatch{
		ID:           m.ID,
		OccurrenceID: m.OccurrenceID,
		ResourceCode: m.ResourceCode,
		Status:       domain.DispatchStatus(m.Status),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

type auditModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType string    `gorm:"column:entity_type;not null"`
	EntityID   string    `gorm:"column:entity_id;not null"`
	Action     string    `gorm:"column:action;not null"`
	Before     *string   `gorm:"column:before"`
	After      *string   `gorm:"column:after"`
	Meta       string    `gorm:"column:meta;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (auditModel) TableName() string {
	return "audit_log"
}

func (m auditModel) toDomain() domain.AuditEntry {
	return domain.AuditEntry{
		ID:         m.ID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Action:     m.Action,
		Before:     rawOrNil(m.Before),
		After:      rawOrNil(m.After),
		Meta:       json.RawMessage(m.Meta),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

func (m outboxEventModel) toDomain() domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            m.ID,
		EventID:       m.EventID,
		Topic:         m.Topic,
		PayloadJSON:   json.RawMessage(m.PayloadJSON),
		Status:        m.Status,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt.UTC(),
		DispatchedAt:  utcPtr(m.DispatchedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func rawOrNil(s *string) json.RawMessage {
	if s == nil || *s == "" || *s == "null" {
		return nil
	}
	return json.RawMessage(*s)
}

func stringOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
