package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type queueStub struct {
	mu       sync.Mutex
	enqueued []string
	retried  []ports.Delivery
	delays   []time.Duration
	err      error
	ch       chan ports.Delivery
}

func (q *queueStub) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *queueStub) Dequeue(ctx context.Context) (ports.Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return ports.Delivery{}, ctx.Err()
	}
}

func (q *queueStub) Retry(_ context.Context, d ports.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, d)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *queueStub) enqueuedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

func newTestIntake(t *testing.T) (*IntakeService, *memStore, *queueStub) {
	t.Helper()
	v, err := NewPayloadValidator()
	require.NoError(t, err)
	s := newMemStore()
	q := &queueStub{}
	return NewIntakeService(s, q, v, nil, nil), s, q
}

func createdPayload(externalID, description string) json.RawMessage {
	return json.RawMessage(`{"externalId":"` + externalID + `","type":"fire","description":"` + description + `","reportedAt":"2026-01-02T03:04:05Z"}`)
}

func TestIntakeSubmitStoresAndEnqueuesNewCommand(t *testing.T) {
	svc, s, q := newTestIntake(t)

	res, err := svc.Submit(context.Background(), SubmitRequest{
		IdempotencyKey: "  key-1  ",
		Source:         domain.SourceExternalSystem,
		Type:           domain.CommandOccurrenceCreated,
		Payload:        json.RawMessage("{ \"type\": \"fire\", \"externalId\": \"EXT-1\", \"reportedAt\": \"2026-01-02T03:04:05Z\" }"),
	})
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, domain.CommandPending, res.Status)
	assert.Equal(t, []string{res.CommandID}, q.enqueuedIDs())

	stored := s.command(res.CommandID)
	assert.Equal(t, "key-1", stored.IdempotencyKey)
	assert.JSONEq(t, `{"externalId":"EXT-1","reportedAt":"2026-01-02T03:04:05Z","type":"fire"}`, string(stored.Payload))
	assert.Equal(t, `{"externalId":"EXT-1","reportedAt":"2026-01-02T03:04:05Z","type":"fire"}`, string(stored.Payload), "stored in canonical form")
}

func TestIntakeSubmitRejectsInputErrors(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{
			name: "missing key",
			req:  SubmitRequest{IdempotencyKey: "   ", Source: domain.SourceWebOperator, Type: domain.CommandOccurrenceStart, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)},
			want: domain.ErrMissingIdempotencyKey,
		},
		{
			name: "unknown type",
			req:  SubmitRequest{IdempotencyKey: "k", Source: domain.SourceWebOperator, Type: "occurrence.archive", Payload: json.RawMessage(`{}`)},
			want: domain.ErrUnsupportedCommandType,
		},
		{
			name: "unknown source",
			req:  SubmitRequest{IdempotencyKey: "k", Source: "fax", Type: domain.CommandOccurrenceStart, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)},
			want: domain.ErrInvalidSource,
		},
		{
			name: "schema violation",
			req:  SubmitRequest{IdempotencyKey: "k", Source: domain.SourceWebOperator, Type: domain.CommandDispatchCreate, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)},
			want: domain.ErrInvalidPayload,
		},
		{
			name: "not json",
			req:  SubmitRequest{IdempotencyKey: "k", Source: domain.SourceWebOperator, Type: domain.CommandOccurrenceStart, Payload: json.RawMessage(`nope`)},
			want: domain.ErrInvalidPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, s, q := newTestIntake(t)
			_, err := svc.Submit(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, q.enqueuedIDs())
			pending, _ := s.ListPending(context.Background(), time.Now().Add(time.Hour), 10)
			assert.Empty(t, pending, "input errors never reach the inbox")
		})
	}
}

func TestIntakeSubmitDuplicateReturnsOriginalCommand(t *testing.T) {
	svc, _, q := newTestIntake(t)
	req := SubmitRequest{
		IdempotencyKey: "key-dup",
		Source:         domain.SourceExternalSystem,
		Type:           domain.CommandOccurrenceCreated,
		Payload:        createdPayload("EXT-9", "a"),
	}

	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	// Same content in a different key order.
	req.Payload = json.RawMessage(`{"reportedAt":"2026-01-02T03:04:05Z","description":"a","type":"fire","externalId":"EXT-9"}`)
	second, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.CommandID, second.CommandID)
	assert.False(t, second.IsNew)
	assert.Len(t, q.enqueuedIDs(), 1, "only the new command is enqueued")
}

func TestIntakeSubmitSignatureConflict(t *testing.T) {
	svc, _, _ := newTestIntake(t)
	req := SubmitRequest{
		IdempotencyKey: "key-sig",
		Source:         domain.SourceExternalSystem,
		Type:           domain.CommandOccurrenceCreated,
		Payload:        createdPayload("EXT-1", "a"),
	}
	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	req.Payload = createdPayload("EXT-1", "b")
	_, err = svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.CommandID, conflict.CommandID)
}

func TestIntakeSubmitConflictPolicyPerType(t *testing.T) {
	tests := []struct {
		name         string
		typ          domain.CommandType
		first        string
		second       string
		wantConflict bool
	}{
		{"start different occurrence", domain.CommandOccurrenceStart, `{"occurrenceId":"o1"}`, `{"occurrenceId":"o2"}`, true},
		{"start same occurrence", domain.CommandOccurrenceStart, `{"occurrenceId":"o1"}`, `{"occurrenceId":"o1"}`, false},
		{"status different target", domain.CommandOccurrenceStatus, `{"occurrenceId":"o1","status":"cancelled"}`, `{"occurrenceId":"o1","status":"in_progress"}`, true},
		{"finish never conflicts", domain.CommandOccurrenceFinish, `{"occurrenceId":"o1"}`, `{"occurrenceId":"o2"}`, false},
		{"dispatch create different resource", domain.CommandDispatchCreate, `{"occurrenceId":"o1","resourceCode":"A"}`, `{"occurrenceId":"o1","resourceCode":"B"}`, true},
		{"dispatch status same", domain.CommandDispatchStatus, `{"dispatchId":"d1","status":"en_route"}`, `{"status":"en_route","dispatchId":"d1"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestIntake(t)
			req := SubmitRequest{IdempotencyKey: "k", Source: domain.SourceWebOperator, Type: tt.typ, Payload: json.RawMessage(tt.first)}
			first, err := svc.Submit(context.Background(), req)
			require.NoError(t, err)

			req.Payload = json.RawMessage(tt.second)
			second, err := svc.Submit(context.Background(), req)
			if tt.wantConflict {
				require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, first.CommandID, second.CommandID)
		})
	}
}

func TestIntakeSubmitSameKeyDifferentTypeIsDistinct(t *testing.T) {
	svc, _, q := newTestIntake(t)
	a, err := svc.Submit(context.Background(), SubmitRequest{IdempotencyKey: "shared", Source: domain.SourceWebOperator, Type: domain.CommandOccurrenceStart, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)})
	require.NoError(t, err)
	b, err := svc.Submit(context.Background(), SubmitRequest{IdempotencyKey: "shared", Source: domain.SourceWebOperator, Type: domain.CommandOccurrenceFinish, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)})
	require.NoError(t, err)
	assert.NotEqual(t, a.CommandID, b.CommandID)
	assert.Len(t, q.enqueuedIDs(), 2)
}

func TestIntakeSubmitEnqueueFailureStillAccepts(t *testing.T) {
	svc, s, q := newTestIntake(t)
	q.err = errors.New("redis down")

	res, err := svc.Submit(context.Background(), SubmitRequest{IdempotencyKey: "k", Source: domain.SourceWebOperator, Type: domain.CommandOccurrenceStart, Payload: json.RawMessage(`{"occurrenceId":"o1"}`)})
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, domain.CommandPending, s.command(res.CommandID).Status)
}

func TestIntakeSubmitConcurrentDuplicatesStoreOneCommand(t *testing.T) {
	svc, _, q := newTestIntake(t)
	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(context.Background(), SubmitRequest{
				IdempotencyKey: "race",
				Source:         domain.SourceExternalSystem,
				Type:           domain.CommandOccurrenceCreated,
				Payload:        createdPayload("EXT-R", "same"),
			})
			if err == nil {
				ids[i] = res.CommandID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, q.enqueuedIDs(), 1)
}
