package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/usecase"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, string) error { return nil }

func (nopQueue) Dequeue(ctx context.Context) (ports.Delivery, error) {
	<-ctx.Done()
	return ports.Delivery{}, ctx.Err()
}

func (nopQueue) Retry(context.Context, ports.Delivery, time.Duration) error { return nil }

type pipeline struct {
	db        *gormdb.DB
	commands  *CommandRepository
	intake    *usecase.IntakeService
	processor *usecase.CommandProcessor
	audit     *AuditRepository
	reads     *OccurrenceRepository
}

func newPipeline(t *testing.T, db *gormdb.DB) *pipeline {
	t.Helper()
	validator, err := usecase.NewPayloadValidator()
	require.NoError(t, err)
	commands := NewCommandRepository(db)
	return &pipeline{
		db:        db,
		commands:  commands,
		intake:    usecase.NewIntakeService(commands, nopQueue{}, validator, nil, nil),
		processor: usecase.NewCommandProcessor(commands, NewTransactor(db), nil, nil),
		audit:     NewAuditRepository(db),
		reads:     NewOccurrenceRepository(db),
	}
}

// submitAndProcess runs one command through intake and the processor.
func (p *pipeline) submitAndProcess(t *testing.T, key string, typ domain.CommandType, payload string) (string, usecase.Outcome) {
	t.Helper()
	ctx := context.Background()
	res, err := p.intake.Submit(ctx, usecase.SubmitRequest{
		IdempotencyKey: key,
		Source:         domain.SourceExternalSystem,
		Type:           typ,
		Payload:        json.RawMessage(payload),
	})
	require.NoError(t, err)
	outcome, err := p.processor.Process(ctx, res.CommandID)
	require.NoError(t, err)
	return res.CommandID, outcome
}

func (p *pipeline) auditFor(t *testing.T, entityID string) []domain.AuditEntry {
	t.Helper()
	entries, err := p.audit.ListAudit(context.Background(), domain.AuditFilter{EntityID: entityID, Limit: 100})
	require.NoError(t, err)
	return entries
}

func runDispatchScenario(t *testing.T, db *gormdb.DB) {
	ctx := context.Background()
	p := newPipeline(t, db)
	ext := "EXT-" + t.Name()

	createdID, outcome := p.submitAndProcess(t, "create-"+ext, domain.CommandOccurrenceCreated,
		`{"externalId":"`+ext+`","type":"fire","description":"smoke","reportedAt":"2026-01-02T03:04:05Z"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)

	created, err := p.audit.ListAudit(ctx, domain.AuditFilter{Action: domain.ActionOccurrenceCreated, Limit: 1000})
	require.NoError(t, err)
	var occurrenceID string
	for _, e := range created {
		var meta domain.AuditMeta
		require.NoError(t, json.Unmarshal(e.Meta, &meta))
		if meta.CommandID == createdID {
			occurrenceID = e.EntityID
		}
	}
	require.NotEmpty(t, occurrenceID)

	dispatchCmd, outcome := p.submitAndProcess(t, "dispatch-"+ext, domain.CommandDispatchCreate,
		`{"occurrenceId":"`+occurrenceID+`","resourceCode":"ABT-12"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)

	cmd, err := p.commands.Get(ctx, dispatchCmd)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandProcessed, cmd.Status)
	var patched map[string]string
	require.NoError(t, json.Unmarshal(cmd.Payload, &patched))
	dispatchID := patched["dispatchId"]
	require.NotEmpty(t, dispatchID)

	view, err := p.reads.GetOccurrence(ctx, occurrenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.OccurrenceInProgress, view.Status)
	require.Len(t, view.Dispatches, 1)
	assert.Equal(t, "ABT-12", view.Dispatches[0].ResourceCode)
	assert.Equal(t, domain.DispatchAssigned, view.Dispatches[0].Status)

	occAudit := p.auditFor(t, occurrenceID)
	require.Len(t, occAudit, 2)
	assert.Equal(t, domain.ActionOccurrenceCreated, occAudit[0].Action)
	assert.Equal(t, domain.ActionOccurrenceStatusChangedDispatch, occAudit[1].Action)
	var meta domain.AuditMeta
	require.NoError(t, json.Unmarshal(occAudit[1].Meta, &meta))
	assert.Equal(t, dispatchID, meta.DispatchID)
	assert.Equal(t, dispatchCmd, meta.CommandID)

	for _, status := range []string{"en_route", "on_site", "closed"} {
		_, outcome = p.submitAndProcess(t, "ds-"+status+"-"+ext, domain.CommandDispatchStatus,
			`{"dispatchId":"`+dispatchID+`","status":"`+status+`"}`)
		require.Equal(t, usecase.OutcomeProcessed, outcome, status)
	}
	dispAudit := p.auditFor(t, dispatchID)
	require.Len(t, dispAudit, 4)
	assert.Equal(t, domain.ActionDispatchCreated, dispAudit[0].Action)

	// Skipping a state fails the command and leaves no trace.
	failedID, outcome := p.submitAndProcess(t, "finish-early-"+ext, domain.CommandOccurrenceStatus,
		`{"occurrenceId":"`+occurrenceID+`","status":"reported"}`)
	require.Equal(t, usecase.OutcomeFailed, outcome)
	failed, err := p.commands.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "invalid transition: in_progress -> reported", *failed.Error)
	assert.Len(t, p.auditFor(t, occurrenceID), 2)

	_, outcome = p.submitAndProcess(t, "finish-"+ext, domain.CommandOccurrenceFinish, `{"occurrenceId":"`+occurrenceID+`"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)

	view, err = p.reads.GetOccurrence(ctx, occurrenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.OccurrenceResolved, view.Status)

	report, err := usecase.VerifyAuditChain(ctx, p.audit, 2)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Breaks)
}

func TestDispatchScenarioSQLite(t *testing.T) {
	runDispatchScenario(t, openSQLite(t))
}

func TestDispatchScenarioPostgres(t *testing.T) {
	runDispatchScenario(t, openPostgres(t))
}

func TestReplayedCommandIsSkipped(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, openSQLite(t))

	id, outcome := p.submitAndProcess(t, "k", domain.CommandOccurrenceCreated,
		`{"externalId":"EXT-1","type":"flood","reportedAt":"2026-01-02T03:04:05Z"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)

	outcome, err := p.processor.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, usecase.OutcomeSkipped, outcome)

	entries, err := p.audit.ListAudit(ctx, domain.AuditFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	pending, err := NewOutboxRepository(p.db).FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "events."+domain.ActionOccurrenceCreated, pending[0].Topic)
}

func TestConcurrentProcessingAppliesOnce(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, openSQLite(t))

	res, err := p.intake.Submit(ctx, usecase.SubmitRequest{
		IdempotencyKey: "once",
		Source:         domain.SourceExternalSystem,
		Type:           domain.CommandOccurrenceCreated,
		Payload:        json.RawMessage(`{"externalId":"EXT-C","type":"fire","reportedAt":"2026-01-02T03:04:05Z"}`),
	})
	require.NoError(t, err)

	const n = 8
	outcomes := make([]usecase.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = p.processor.Process(ctx, res.CommandID)
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == usecase.OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)

	entries, err := p.audit.ListAudit(ctx, domain.AuditFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSameExternalIDMergesIntoOneOccurrence(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, openSQLite(t))

	_, outcome := p.submitAndProcess(t, "a", domain.CommandOccurrenceCreated,
		`{"externalId":"EXT-M","type":"fire","reportedAt":"2026-01-02T03:04:05Z"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)
	_, outcome = p.submitAndProcess(t, "b", domain.CommandOccurrenceCreated,
		`{"externalId":"EXT-M","type":"flood","description":"water","reportedAt":"2026-01-02T03:04:05Z"}`)
	require.Equal(t, usecase.OutcomeProcessed, outcome)

	entries, err := p.audit.ListAudit(ctx, domain.AuditFilter{EntityType: domain.EntityOccurrence, Limit: 100})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].EntityID, entries[1].EntityID)
	assert.Equal(t, domain.ActionOccurrenceUpdated, entries[1].Action)

	view, err := p.reads.GetOccurrence(ctx, entries[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "flood", view.Type)
	require.NotNil(t, view.Description)
	assert.Equal(t, "water", *view.Description)
}

func runConcurrentExternalIDScenario(t *testing.T, db *gormdb.DB) {
	ctx := context.Background()
	p := newPipeline(t, db)
	ext := "EXT-" + t.Name()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		res, err := p.intake.Submit(ctx, usecase.SubmitRequest{
			IdempotencyKey: fmt.Sprintf("%s-%d", ext, i),
			Source:         domain.SourceExternalSystem,
			Type:           domain.CommandOccurrenceCreated,
			Payload:        json.RawMessage(`{"externalId":"` + ext + `","type":"fire","reportedAt":"2026-01-02T03:04:05Z"}`),
		})
		require.NoError(t, err)
		require.True(t, res.IsNew)
		ids[i] = res.CommandID
	}

	outcomes := make([]usecase.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = p.processor.Process(ctx, ids[i])
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, usecase.OutcomeProcessed, outcomes[i])
		cmd, err := p.commands.Get(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, domain.CommandProcessed, cmd.Status)
	}

	var rows int64
	require.NoError(t, db.W.Model(&occurrenceModel{}).Where("external_id = ?", ext).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	var occurrenceIDs []string
	require.NoError(t, db.W.Model(&occurrenceModel{}).Where("external_id = ?", ext).Pluck("id", &occurrenceIDs).Error)
	require.Len(t, occurrenceIDs, 1)
	occurrenceID := occurrenceIDs[0]

	actions := map[string]int{}
	for _, e := range p.auditFor(t, occurrenceID) {
		actions[e.Action]++
	}
	assert.Equal(t, 1, actions[domain.ActionOccurrenceCreated])
	assert.Equal(t, n-1, actions[domain.ActionOccurrenceUpdated]+actions[domain.ActionOccurrenceDuplicate])
}

func TestConcurrentSameExternalIDCreatesOneOccurrenceSQLite(t *testing.T) {
	runConcurrentExternalIDScenario(t, openSQLite(t))
}

func TestConcurrentSameExternalIDCreatesOneOccurrencePostgres(t *testing.T) {
	runConcurrentExternalIDScenario(t, openPostgres(t))
}

func TestInsertOccurrenceReturnsWinnerOnExternalIDRace(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	tx := NewTransactor(db)
	ext := "EXT-R"

	first := domain.Occurrence{ID: "occ-1", ExternalID: &ext, Type: "fire", Status: domain.OccurrenceReported}
	second := domain.Occurrence{ID: "occ-2", ExternalID: &ext, Type: "fire", Status: domain.OccurrenceReported}

	require.NoError(t, tx.WithinTx(ctx, func(t2 ports.Tx) error {
		res, err := t2.InsertOccurrence(ctx, first)
		require.NoError(t, err)
		assert.False(t, res.Existing)

		res, err = t2.InsertOccurrence(ctx, second)
		require.NoError(t, err)
		assert.True(t, res.Existing)
		assert.Equal(t, "occ-1", res.Value.ID)

		// The transaction is still usable after the rolled back savepoint.
		_, err = t2.LockOccurrence(ctx, "occ-1")
		return err
	}))
}

func TestLockedQueriesUseForUpdateOnPostgres(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	g, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	pg := &gormTx{db: g.Session(&gorm.Session{DryRun: true}), dialect: gormdb.DialectPostgres}
	stmt := pg.locked(context.Background()).Where("id = ?", "c1").First(&commandModel{}).Statement
	assert.Contains(t, stmt.SQL.String(), "FOR UPDATE")

	lite := openSQLite(t)
	sq := &gormTx{db: lite.W.Session(&gorm.Session{DryRun: true}), dialect: gormdb.DialectSQLite}
	stmt = sq.locked(context.Background()).Where("id = ?", "c1").First(&commandModel{}).Statement
	assert.NotContains(t, stmt.SQL.String(), "FOR UPDATE")
}
