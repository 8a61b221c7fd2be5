package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type CommandType string

const (
	CommandOccurrenceCreated CommandType = "occurrence.created"
	CommandOccurrenceStart   CommandType = "occurrence.start"
	CommandOccurrenceStatus  CommandType = "occurrence.status"
	CommandOccurrenceFinish  CommandType = "occurrence.finish"
	CommandDispatchCreate    CommandType = "dispatch.create"
	CommandDispatchStatus    CommandType = "dispatch.status"
)

var CommandTypes = []CommandType{
	CommandOccurrenceCreated,
	CommandOccurrenceStart,
	CommandOccurrenceStatus,
	CommandOccurrenceFinish,
	CommandDispatchCreate,
	CommandDispatchStatus,
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandProcessed CommandStatus = "processed"
	CommandFailed    CommandStatus = "failed"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandProcessed || s == CommandFailed
}

type Source string

const (
	SourceExternalSystem Source = "external_system"
	SourceWebOperator    Source = "web_operator"
)

func (s Source) Valid() bool {
	return s == SourceExternalSystem || s == SourceWebOperator
}

// Command is one row of the command inbox.
type Command struct {
	ID             string
	IdempotencyKey string
	Source         Source
	Type           CommandType
	Payload        json.RawMessage
	Status         CommandStatus
	ProcessedAt    *time.Time
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (c *Command) MarkProcessed(at time.Time) {
	c.Status = CommandProcessed
	c.ProcessedAt = &at
	c.Error = nil
}

// DecodePayload unmarshals the command payload into dst. Decode failures are
// payload errors so the command fails instead of being retried.
func (c *Command) DecodePayload(dst any) error {
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return &PayloadError{CommandType: c.Type, Errors: []string{err.Error()}}
	}
	return nil
}

// PatchPayload merges fields into the stored payload object.
func (c *Command) PatchPayload(fields map[string]any) error {
	merged := map[string]any{}
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, &merged); err != nil {
			return fmt.Errorf("decode payload for patch: %w", err)
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode patched payload: %w", err)
	}
	c.Payload = out
	return nil
}

// InsertResult tags the outcome of an insert that may lose a uniqueness race:
// either the value was inserted, or Existing is set and Value holds the row
// that won.
type InsertResult[T any] struct {
	Value    T
	Existing bool
}

func Inserted[T any](v T) InsertResult[T] {
	return InsertResult[T]{Value: v}
}

func AlreadyExists[T any](v T) InsertResult[T] {
	return InsertResult[T]{Value: v, Existing: true}
}

type OccurrenceCreatedPayload struct {
	ExternalID  string     `json:"externalId"`
	Type        string     `json:"type"`
	Description *string    `json:"description"`
	ReportedAt  *time.Time `json:"reportedAt"`
}

type OccurrenceRefPayload struct {
	OccurrenceID string `json:"occurrenceId"`
}

type OccurrenceStatusPayload struct {
	OccurrenceID string           `json:"occurrenceId"`
	Status       OccurrenceStatus `json:"status"`
}

type DispatchCreatePayload struct {
	OccurrenceID string `json:"occurrenceId"`
	ResourceCode string `json:"resourceCode"`
}

type DispatchStatusPayload struct {
	DispatchID string         `json:"dispatchId"`
	Status     DispatchStatus `json:"status"`
}
