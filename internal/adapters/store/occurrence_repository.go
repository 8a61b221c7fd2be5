package store

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type OccurrenceRepository struct {
	db *gormdb.DB
}

var _ ports.OccurrenceReader = (*OccurrenceRepository)(nil)

func NewOccurrenceRepository(db *gormdb.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// GetOccurrence loads an occurrence and its dispatches in creation order.
func (r *OccurrenceRepository) GetOccurrence(ctx context.Context, id string) (domain.OccurrenceView, error) {
	var (
		occ  occurrenceModel
		rows []dispatchModel
	)
	err := r.db.ReadTX(ctx, func(tx *gormdb.Tx) error {
		if err := tx.Where("id = ?", id).First(&occ).Error; err != nil {
			return err
		}
		return tx.Where("occurrence_id = ?", id).Order("created_at ASC, id ASC").Find(&rows).Error
	})
	if err != nil {
		if err = notFound(err); err == domain.ErrNotFound {
			return domain.OccurrenceView{}, err
		}
		return domain.OccurrenceView{}, fmt.Errorf("get occurrence: %w", err)
	}

	view := domain.OccurrenceView{Occurrence: occ.toDomain(), Dispatches: make([]domain.Dispatch, 0, len(rows))}
	for _, row := range rows {
		view.Dispatches = append(view.Dispatches, row.toDomain())
	}
	return view, nil
}

func (r *OccurrenceRepository) DispatchExists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.ReadTX(ctx, func(tx *gormdb.Tx) error {
		return tx.Model(&dispatchModel{}).Where("id = ?", id).Count(&count).Error
	})
	if err != nil {
		return false, fmt.Errorf("check dispatch: %w", err)
	}
	return count > 0, nil
}
