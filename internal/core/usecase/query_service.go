package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// QueryService serves the read side: command status, occurrence detail and
// the audit log.
type QueryService struct {
	commands    ports.CommandStore
	occurrences ports.OccurrenceReader
	audit       ports.AuditReader
}

func NewQueryService(commands ports.CommandStore, occurrences ports.OccurrenceReader, audit ports.AuditReader) *QueryService {
	return &QueryService{commands: commands, occurrences: occurrences, audit: audit}
}

func (s *QueryService) Command(ctx context.Context, id string) (domain.Command, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Command{}, domain.ErrNotFound
	}
	return s.commands.Get(ctx, id)
}

func (s *QueryService) Occurrence(ctx context.Context, id string) (domain.OccurrenceView, error) {
	if strings.TrimSpace(id) == "" {
		return domain.OccurrenceView{}, domain.ErrNotFound
	}
	return s.occurrences.GetOccurrence(ctx, id)
}

// RequireOccurrence returns domain.ErrNotFound when no occurrence has id.
func (s *QueryService) RequireOccurrence(ctx context.Context, id string) error {
	_, err := s.Occurrence(ctx, id)
	return err
}

// RequireDispatch returns domain.ErrNotFound when no dispatch has id.
func (s *QueryService) RequireDispatch(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.ErrNotFound
	}
	ok, err := s.occurrences.DispatchExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

// ListAudit returns entries in ascending id order after filter.AfterID.
func (s *QueryService) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.EntityType != "" && filter.EntityType != domain.EntityOccurrence && filter.EntityType != domain.EntityDispatch {
		return nil, fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidPayload, filter.EntityType)
	}
	if filter.AfterID < 0 {
		filter.AfterID = 0
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	return s.audit.ListAudit(ctx, filter)
}
