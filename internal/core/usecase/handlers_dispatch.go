package usecase

import (
	"context"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

// handleDispatchCreate assigns a resource to the locked occurrence. A reported
// occurrence moves to in_progress in the same transaction.
func handleDispatchCreate(ctx context.Context, u *unitOfWork) error {
	var p domain.DispatchCreatePayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}

	occ, err := u.tx.LockOccurrence(ctx, p.OccurrenceID)
	if err != nil {
		return err
	}

	d := domain.Dispatch{
		ID:           uuid.NewString(),
		OccurrenceID: occ.ID,
		ResourceCode: p.ResourceCode,
		Status:       domain.DispatchAssigned,
		CreatedAt:    u.now,
		UpdatedAt:    u.now,
	}
	if err := u.tx.InsertDispatch(ctx, d); err != nil {
		return err
	}

	if occ.Status == domain.OccurrenceReported {
		before := occ.Snapshot()
		if err := occ.TransitionTo(domain.OccurrenceInProgress); err != nil {
			return err
		}
		occ.UpdatedAt = u.now
		if err := u.tx.UpdateOccurrence(ctx, occ); err != nil {
			return err
		}
		if err := u.record(ctx, AuditRecord{
			EntityType: domain.EntityOccurrence,
			EntityID:   occ.ID,
			Action:     domain.ActionOccurrenceStatusChangedDispatch,
			Before:     before,
			After:      occ.Snapshot(),
			Meta:       domain.AuditMeta{DispatchID: d.ID},
		}); err != nil {
			return err
		}
	}

	if err := u.record(ctx, AuditRecord{
		EntityType: domain.EntityDispatch,
		EntityID:   d.ID,
		Action:     domain.ActionDispatchCreated,
		After:      d.Snapshot(),
		Meta:       domain.AuditMeta{OccurrenceID: occ.ID},
	}); err != nil {
		return err
	}

	return u.cmd.PatchPayload(map[string]any{"dispatchId": d.ID})
}

func handleDispatchStatus(ctx context.Context, u *unitOfWork) error {
	var p domain.DispatchStatusPayload
	if err := u.cmd.DecodePayload(&p); err != nil {
		return err
	}

	d, err := u.tx.LockDispatch(ctx, p.DispatchID)
	if err != nil {
		return err
	}
	if d.Status == p.Status {
		return nil
	}
	before := d.Snapshot()
	if err := d.TransitionTo(p.Status); err != nil {
		return err
	}
	d.UpdatedAt = u.now
	if err := u.tx.UpdateDispatch(ctx, d); err != nil {
		return err
	}
	return u.record(ctx, AuditRecord{
		EntityType: domain.EntityDispatch,
		EntityID:   d.ID,
		Action:     domain.ActionDispatchStatusChanged,
		Before:     before,
		After:      d.Snapshot(),
		Meta:       domain.AuditMeta{OccurrenceID: d.OccurrenceID},
	})
}
