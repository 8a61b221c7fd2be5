package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// ConflictPolicy decides whether a reused idempotency key carries the same
// request as the command already stored under it.
type ConflictPolicy int

const (
	// ConflictNone accepts any payload for a reused key.
	ConflictNone ConflictPolicy = iota
	// ConflictSignature compares the hash of the canonical payload.
	ConflictSignature
	// ConflictFields compares a fixed set of top-level payload fields.
	ConflictFields
)

type ConflictRule struct {
	Policy ConflictPolicy
	Fields []string
}

// DefaultConflictRules is the per command type reuse check used by intake.
var DefaultConflictRules = map[domain.CommandType]ConflictRule{
	domain.CommandOccurrenceCreated: {Policy: ConflictSignature},
	domain.CommandOccurrenceStart:   {Policy: ConflictFields, Fields: []string{"occurrenceId"}},
	domain.CommandOccurrenceStatus:  {Policy: ConflictFields, Fields: []string{"occurrenceId", "status"}},
	domain.CommandOccurrenceFinish:  {Policy: ConflictNone},
	domain.CommandDispatchCreate:    {Policy: ConflictFields, Fields: []string{"occurrenceId", "resourceCode"}},
	domain.CommandDispatchStatus:    {Policy: ConflictFields, Fields: []string{"dispatchId", "status"}},
}

type SubmitRequest struct {
	IdempotencyKey string
	Source         domain.Source
	Type           domain.CommandType
	Payload        json.RawMessage
}

type SubmitResult struct {
	CommandID string
	Status    domain.CommandStatus
	// IsNew is false when the key was already stored for this type.
	IsNew bool
}

const (
	submitAccepted  = "accepted"
	submitDuplicate = "duplicate"
	submitConflict  = "conflict"
	submitRejected  = "rejected"
)

type IntakeService struct {
	store     ports.CommandStore
	queue     ports.CommandQueue
	validator *PayloadValidator
	rules     map[domain.CommandType]ConflictRule
	metrics   ports.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewIntakeService(store ports.CommandStore, queue ports.CommandQueue, validator *PayloadValidator, metrics ports.Metrics, log *zap.Logger) *IntakeService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IntakeService{
		store:     store,
		queue:     queue,
		validator: validator,
		rules:     DefaultConflictRules,
		metrics:   metrics,
		log:       log.Named("intake"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists a pending command and enqueues it once. A key already used
// for the same type returns the stored command, or a *domain.ConflictError
// when the type's conflict rule finds a different request.
func (s *IntakeService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		s.metrics.CommandSubmitted(req.Type, submitRejected)
		return SubmitResult{}, domain.ErrMissingIdempotencyKey
	}
	if !s.validator.Supports(req.Type) {
		s.metrics.CommandSubmitted(req.Type, submitRejected)
		return SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommandType, req.Type)
	}
	if !req.Source.Valid() {
		s.metrics.CommandSubmitted(req.Type, submitRejected)
		return SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidSource, req.Source)
	}
	if err := s.validator.Validate(req.Type, req.Payload); err != nil {
		s.metrics.CommandSubmitted(req.Type, submitRejected)
		return SubmitResult{}, err
	}
	payload, err := CanonicalPayload(req.Payload)
	if err != nil {
		s.metrics.CommandSubmitted(req.Type, submitRejected)
		return SubmitResult{}, &domain.PayloadError{CommandType: req.Type, Errors: []string{err.Error()}}
	}

	now := s.now()
	res, err := s.store.Insert(ctx, domain.Command{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Source:         req.Source,
		Type:           req.Type,
		Payload:        payload,
		Status:         domain.CommandPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("store command: %w", err)
	}
	cmd := res.Value

	if res.Existing {
		same, err := s.sameRequest(req.Type, cmd.Payload, payload)
		if err != nil {
			return SubmitResult{}, err
		}
		if !same {
			s.metrics.CommandSubmitted(req.Type, submitConflict)
			s.log.Info("idempotency key reused with different payload", commandFields(ctx, cmd)...)
			return SubmitResult{}, &domain.ConflictError{CommandID: cmd.ID}
		}
		s.metrics.CommandSubmitted(req.Type, submitDuplicate)
		return SubmitResult{CommandID: cmd.ID, Status: cmd.Status}, nil
	}

	s.metrics.CommandSubmitted(req.Type, submitAccepted)
	if err := s.queue.Enqueue(ctx, cmd.ID); err != nil {
		// The row stays pending; the redelivery sweeper picks it up.
		s.log.Warn("enqueue command failed",
			zap.String("command_id", cmd.ID),
			zap.Error(err),
		)
	}
	s.log.Debug("command accepted", commandFields(ctx, cmd)...)
	return SubmitResult{CommandID: cmd.ID, Status: cmd.Status, IsNew: true}, nil
}

func commandFields(ctx context.Context, cmd domain.Command) []zap.Field {
	fields := []zap.Field{
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
	}
	if key, ok := APIKeyFromContext(ctx); ok {
		fields = append(fields, zap.String("api_key", key.Name))
	}
	return fields
}

func (s *IntakeService) sameRequest(t domain.CommandType, stored, incoming json.RawMessage) (bool, error) {
	rule := s.rules[t]
	switch rule.Policy {
	case ConflictSignature:
		a, err := PayloadSignature(stored)
		if err != nil {
			return false, err
		}
		b, err := PayloadSignature(incoming)
		if err != nil {
			return false, err
		}
		return a == b, nil
	case ConflictFields:
		var a, b map[string]any
		if err := json.Unmarshal(stored, &a); err != nil {
			return false, fmt.Errorf("decode stored payload: %w", err)
		}
		if err := json.Unmarshal(incoming, &b); err != nil {
			return false, fmt.Errorf("decode incoming payload: %w", err)
		}
		for _, f := range rule.Fields {
			if !reflect.DeepEqual(a[f], b[f]) {
				return false, nil
			}
		}
		return true, nil
	default:
		return true, nil
	}
}
