package store

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// AuditRepository reads the audit log. Rows are written only through Tx.
type AuditRepository struct {
	db *gormdb.DB
}

var _ ports.AuditReader = (*AuditRepository)(nil)

func NewAuditRepository(db *gormdb.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []auditModel
	err := r.db.ReadTX(ctx, func(tx *gormdb.Tx) error {
		query := tx.Model(&auditModel{})
		if filter.EntityType != "" {
			query = query.Where("entity_type = ?", filter.EntityType)
		}
		if filter.EntityID != "" {
			query = query.Where("entity_id = ?", filter.EntityID)
		}
		if filter.Action != "" {
			query = query.Where("action = ?", filter.Action)
		}
		if filter.AfterID > 0 {
			query = query.Where("id > ?", filter.AfterID)
		}
		return query.Order("id ASC").Limit(limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	out := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
