package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

func handleOccurrenceCreated(ctx context.Context, u *unitOfWork) error {
	var p domain.OccurrenceCreatedPayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}
	if p.ExternalID == "" {
		return &domain.PayloadError{CommandType: u.cmd.Type, Errors: []string{"externalId is required"}}
	}

	existing, err := u.tx.LockOccurrenceByExternalID(ctx, p.ExternalID)
	switch {
	case err == nil:
		return mergeOccurrence(ctx, u, existing, p)
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	occType := p.Type
	if occType == "" {
		occType = "unknown"
	}
	externalID := p.ExternalID
	occ := domain.Occurrence{
		ID:          uuid.NewString(),
		ExternalID:  &externalID,
		Type:        occType,
		Status:      domain.OccurrenceReported,
		Description: p.Description,
		ReportedAt:  p.ReportedAt,
		CreatedAt:   u.now,
		UpdatedAt:   u.now,
	}
	res, err := u.tx.InsertOccurrence(ctx, occ)
	if err != nil {
		return err
	}
	action := domain.ActionOccurrenceCreated
	if res.Existing {
		// Another processor inserted the same external id first.
		action = domain.ActionOccurrenceDuplicate
	}
	return u.record(ctx, AuditRecord{
		EntityType: domain.EntityOccurrence,
		EntityID:   res.Value.ID,
		Action:     action,
		After:      res.Value.Snapshot(),
	})
}

func mergeOccurrence(ctx context.Context, u *unitOfWork, occ domain.Occurrence, p domain.OccurrenceCreatedPayload) error {
	before := occ.Snapshot()
	if p.Type != "" {
		occ.Type = p.Type
	}
	if p.Description != nil {
		occ.Description = p.Description
	}
	if p.ReportedAt != nil {
		occ.ReportedAt = p.ReportedAt
	}
	occ.UpdatedAt = u.now
	if err := u.tx.UpdateOccurrence(ctx, occ); err != nil {
		return err
	}
	return u.record(ctx, AuditRecord{
		EntityType: domain.EntityOccurrence,
		EntityID:   occ.ID,
		Action:     domain.ActionOccurrenceUpdated,
		Before:     before,
		After:      occ.Snapshot(),
	})
}

func handleOccurrenceStart(ctx context.Context, u *unitOfWork) error {
	var p domain.OccurrenceRefPayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}
	return transitionOccurrence(ctx, u, p.OccurrenceID, domain.OccurrenceInProgress, domain.ActionOccurrenceStarted)
}

func handleOccurrenceStatus(ctx context.Context, u *unitOfWork) error {
	var p domain.OccurrenceStatusPayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}
	return transitionOccurrence(ctx, u, p.OccurrenceID, p.Status, domain.ActionOccurrenceStatusChanged)
}

func handleOccurrenceFinish(ctx context.Context, u *unitOfWork) error {
	var p domain.OccurrenceRefPayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}
	return transitionOccurrence(ctx, u, p.OccurrenceID, domain.OccurrenceResolved, domain.ActionOccurrenceFinished)
}

// transitionOccurrence locks the occurrence and moves it to target. Reaching a
// status the occurrence already has is a no-op without an audit entry.
func transitionOccurrence(ctx context.Context, u *unitOfWork, id string, target domain.OccurrenceStatus, action string) error {
	occ, err := u.tx.LockOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if occ.Status == target {
		return nil
	}
	before := occ.Snapshot()
	if err := occ.TransitionTo(target); err != nil {
		return err
	}
	occ.UpdatedAt = u.now
	if err := u.tx.UpdateOccurrence(ctx, occ); err != nil {
		return err
	}
	return u.record(ctx, AuditRecord{
		EntityType: domain.EntityOccurrence,
		EntityID:   occ.ID,
		Action:     action,
		Before:     before,
		After:      occ.Snapshot(),
	})
}
