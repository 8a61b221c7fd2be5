package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type CommandRepository struct {
	db *gormdb.DB
}

var _ ports.CommandStore = (*CommandRepository)(nil)

func NewCommandRepository(db *gormdb.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Insert writes cmd. A unique violation on (idempotency_key, type) is the
// duplicate path: the stored row is read back and returned as existing.
func (r *CommandRepository) Insert(ctx context.Context, cmd domain.Command) (domain.InsertResult[domain.Command], error) {
	model := commandFromDomain(cmd)
	err := r.db.WriteTX(ctx, func(tx *gormdb.Tx) error {
		return tx.Create(&model).Error
	})
	if err == nil {
		return domain.Inserted(model.toDomain()), nil
	}
	if !isUniqueViolation(err) {
		return domain.InsertResult[domain.Command]{}, fmt.Errorf("insert command: %w", err)
	}

	var existing commandModel
	err = r.db.WriteTX(ctx, func(tx *gormdb.Tx) error {
		return tx.Where("idempotency_key = ? AND type = ?", cmd.IdempotencyKey, string(cmd.Type)).
			First(&existing).Error
	})
	if err != nil {
		return domain.InsertResult[domain.Command]{}, fmt.Errorf("reread command after conflict: %w", notFound(err))
	}
	return domain.AlreadyExists(existing.toDomain()), nil
}

func (r *CommandRepository) Get(ctx context.Context, id string) (domain.Command, error) {
	var model commandModel
	err := r.db.ReadTX(ctx, func(tx *gormdb.Tx) error {
		return tx.Where("id = ?", id).First(&model).Error
	})
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return domain.Command{}, err
		}
		return domain.Command{}, fmt.Errorf("get command: %w", err)
	}
	return model.toDomain(), nil
}

func (r *CommandRepository) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.finish(ctx, id, map[string]any{
		"status":       string(domain.CommandProcessed),
		"processed_at": at.UTC(),
		"error":        nil,
		"updated_at":   at.UTC(),
	})
}

func (r *CommandRepository) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) (bool, error) {
	return r.finish(ctx, id, map[string]any{
		"status":       string(domain.CommandFailed),
		"processed_at": at.UTC(),
		"error":        errMsg,
		"updated_at":   at.UTC(),
	})
}

// finish moves a pending command to a terminal status. Terminal rows are left
// untouched and report false.
func (r *CommandRepository) finish(ctx context.Context, id string, fields map[string]any) (bool, error) {
	var affected int64
	err := r.db.WriteTX(ctx, func(tx *gormdb.Tx) error {
		res := tx.Model(&commandModel{}).
			Where("id = ? AND status = ?", id, string(domain.CommandPending)).
			Updates(fields)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("finish command: %w", err)
	}
	return affected > 0, nil
}

func (r *CommandRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []commandModel
	err := r.db.ReadTX(ctx, func(tx *gormdb.Tx) error {
		return tx.Where("status = ? AND created_at < ?", string(domain.CommandPending), createdBefore.UTC()).
			Order("created_at ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	out := make([]domain.Command, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
