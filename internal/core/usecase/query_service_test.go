package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

type auditReaderStub struct {
	got domain.AuditFilter
}

func (a *auditReaderStub) ListAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.got = f
	return nil, nil
}

func TestQueryServiceListAuditClampsLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{5000, 1000},
	}
	for _, tt := range tests {
		reader := &auditReaderStub{}
		svc := NewQueryService(nil, nil, reader)
		_, err := svc.ListAudit(context.Background(), domain.AuditFilter{Limit: tt.in})
		require.NoError(t, err)
		assert.Equal(t, tt.want, reader.got.Limit)
	}
}

func TestQueryServiceListAuditRejectsUnknownEntityType(t *testing.T) {
	svc := NewQueryService(nil, nil, &auditReaderStub{})
	_, err := svc.ListAudit(context.Background(), domain.AuditFilter{EntityType: "vehicle"})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestQueryServiceRequireEntities(t *testing.T) {
	s := newMemStore()
	occ := seedOccurrence(s, domain.OccurrenceReported)
	s.seedDispatch(domain.Dispatch{ID: "d1", OccurrenceID: occ.ID, Status: domain.DispatchAssigned})
	svc := NewQueryService(s, s, s)

	require.NoError(t, svc.RequireOccurrence(context.Background(), occ.ID))
	require.ErrorIs(t, svc.RequireOccurrence(context.Background(), "missing"), domain.ErrNotFound)
	require.NoError(t, svc.RequireDispatch(context.Background(), "d1"))
	require.ErrorIs(t, svc.RequireDispatch(context.Background(), "d2"), domain.ErrNotFound)

	view, err := svc.Occurrence(context.Background(), occ.ID)
	require.NoError(t, err)
	require.Len(t, view.Dispatches, 1)

	_, err = svc.Command(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
