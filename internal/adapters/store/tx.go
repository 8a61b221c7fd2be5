package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// Transactor opens write transactions for the command processor.
type Transactor struct {
	db *gormdb.DB
}

var _ ports.Transactor = (*Transactor)(nil)

func NewTransactor(db *gormdb.DB) *Transactor {
	return &Transactor{db: db}
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	return t.db.WriteTX(ctx, func(tx *gormdb.Tx) error {
		return fn(&gormTx{db: tx.DB, dialect: t.db.Dialect})
	})
}

type gormTx struct {
	db      *gorm.DB
	dialect string
}

var _ ports.Tx = (*gormTx)(nil)

// locked adds FOR UPDATE on PostgreSQL. SQLite has no row locks; the single
// writer connection already serialises write transactions.
func (t *gormTx) locked(ctx context.Context) *gorm.DB {
	q := t.db.WithContext(ctx)
	if t.dialect == gormdb.DialectPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (t *gormTx) LockCommand(ctx context.Context, id string) (domain.Command, error) {
	var m commandModel
	if err := t.locked(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return domain.Command{}, lockErr("command", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) SaveCommand(ctx context.Context, cmd domain.Command) error {
	err := t.db.WithContext(ctx).Model(&commandModel{}).
		Where("id = ?", cmd.ID).
		Updates(map[string]any{
			"payload":      string(cmd.Payload),
			"status":       string(cmd.Status),
			"processed_at": utcPtr(cmd.ProcessedAt),
			"error":        cmd.Error,
			"updated_at":   cmd.UpdatedAt.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("save command: %w", err)
	}
	return nil
}

func (t *gormTx) LockOccurrence(ctx context.Context, id string) (domain.Occurrence, error) {
	var m occurrenceModel
	if err := t.locked(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return domain.Occurrence{}, lockErr("occurrence", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) LockOccurrenceByExternalID(ctx context.Context, externalID string) (domain.Occurrence, error) {
	var m occurrenceModel
	if err := t.locked(ctx).Where("external_id = ?", externalID).First(&m).Error; err != nil {
		return domain.Occurrence{}, lockErr("occurrence", err)
	}
	return m.toDomain(), nil
}

// InsertOccurrence runs the insert under a savepoint so a lost external id
// race leaves the outer transaction usable; the winning row is then locked
// and returned.
func (t *gormTx) InsertOccurrence(ctx context.Context, occ domain.Occurrence) (domain.InsertResult[domain.Occurrence], error) {
	m := occurrenceFromDomain(occ)
	err := t.db.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return sp.Create(&m).Error
	})
	if err == nil {
		return domain.Inserted(m.toDomain()), nil
	}
	if !isUniqueViolation(err) || occ.ExternalID == nil {
		return domain.InsertResult[domain.Occurrence]{}, fmt.Errorf("insert occurrence: %w", err)
	}
	winner, err := t.LockOccurrenceByExternalID(ctx, *occ.ExternalID)
	if err != nil {
		return domain.InsertResult[domain.Occurrence]{}, fmt.Errorf("load occurrence after conflict: %w", err)
	}
	return domain.AlreadyExists(winner), nil
}

func (t *gormTx) UpdateOccurrence(ctx context.Context, occ domain.Occurrence) error {
	res := t.db.WithContext(ctx).Model(&occurrenceModel{}).
		Where("id = ?", occ.ID).
		Updates(map[string]any{
			"type":        occ.Type,
			"status":      string(occ.Status),
			"description": occ.Description,
			"reported_at": utcPtr(occ.ReportedAt),
			"updated_at":  occ.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update occurrence: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update occurrence %s: %w", occ.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *gormTx) LockDispatch(ctx context.Context, id string) (domain.Dispatch, error) {
	var m dispatchModel
	if err := t.locked(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return domain.Dispatch{}, lockErr("dispatch", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) InsertDispatch(ctx context.Context, d domain.Dispatch) error {
	m := dispatchFromDomain(d)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

func (t *gormTx) UpdateDispatch(ctx context.Context, d domain.Dispatch) error {
	res := t.db.WithContext(ctx).Model(&dispatchModel{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"status":     string(d.Status),
			"updated_at": d.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update dispatch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update dispatch %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *gormTx) InsertAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	m := auditModel{
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Before:     stringOrNil(entry.Before),
		After:      stringOrNil(entry.After),
		Meta:       string(entry.Meta),
		CreatedAt:  entry.CreatedAt.UTC(),
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return m.toDomain(), nil
}

func (t *gormTx) InsertOutbox(ctx context.Context, topic string, envelope domain.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}
	now := time.Now().UTC()
	m := outboxEventModel{
		EventID:       envelope.EventID,
		Topic:         topic,
		PayloadJSON:   string(payload),
		Status:        outboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func lockErr(entity string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", entity, domain.ErrNotFound)
	}
	return fmt.Errorf("lock %s: %w", entity, err)
}
