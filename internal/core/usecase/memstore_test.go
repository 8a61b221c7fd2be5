package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type outboxRow struct {
	topic    string
	envelope domain.EventEnvelope
}

type memState struct {
	commands    map[string]domain.Command
	occurrences map[string]domain.Occurrence
	dispatches  map[string]domain.Dispatch
	audit       []domain.AuditEntry
	outbox      []outboxRow
	nextAuditID int64
}

func (s memState) clone() memState {
	out := memState{
		commands:    make(map[string]domain.Command, len(s.commands)),
		occurrences: make(map[string]domain.Occurrence, len(s.occurrences)),
		dispatches:  make(map[string]domain.Dispatch, len(s.dispatches)),
		audit:       append([]domain.AuditEntry(nil), s.audit...),
		outbox:      append([]outboxRow(nil), s.outbox...),
		nextAuditID: s.nextAuditID,
	}
	for k, v := range s.commands {
		out.commands[k] = v
	}
	for k, v := range s.occurrences {
		out.occurrences[k] = v
	}
	for k, v := range s.dispatches {
		out.dispatches[k] = v
	}
	return out
}

// memStore is an in-memory CommandStore and Transactor. Transactions run
// serially on a copy of the state that replaces it on commit.
type memStore struct {
	mu    sync.Mutex
	state memState

	// raceWinner, when set, is returned by the next InsertOccurrence as the
	// row that won a unique race.
	raceWinner *domain.Occurrence
	// failSave makes SaveCommand return this error.
	failSave error
	// failGet makes Get return this error.
	failGet error
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		commands:    map[string]domain.Command{},
		occurrences: map[string]domain.Occurrence{},
		dispatches:  map[string]domain.Dispatch{},
	}}
}

func (s *memStore) Insert(_ context.Context, cmd domain.Command) (domain.InsertResult[domain.Command], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.commands {
		if existing.IdempotencyKey == cmd.IdempotencyKey && existing.Type == cmd.Type {
			return domain.AlreadyExists(existing), nil
		}
	}
	s.state.commands[cmd.ID] = cmd
	return domain.Inserted(cmd), nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return domain.Command{}, s.failGet
	}
	cmd, ok := s.state.commands[id]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return cmd, nil
}

func (s *memStore) MarkProcessed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.state.commands[id]
	if !ok || cmd.Status != domain.CommandPending {
		return false, nil
	}
	cmd.MarkProcessed(at)
	s.state.commands[id] = cmd
	return true, nil
}

func (s *memStore) MarkFailed(_ context.Context, id string, msg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.state.commands[id]
	if !ok || cmd.Status != domain.CommandPending {
		return false, nil
	}
	cmd.Status = domain.CommandFailed
	cmd.Error = &msg
	cmd.ProcessedAt = &at
	s.state.commands[id] = cmd
	return true, nil
}

func (s *memStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Command
	for _, cmd := range s.state.commands {
		if cmd.Status == domain.CommandPending && cmd.CreatedAt.Before(createdBefore) {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *memStore) ListAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.state.audit {
		if e.ID <= f.AfterID {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetOccurrence(_ context.Context, id string) (domain.OccurrenceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.state.occurrences[id]
	if !ok {
		return domain.OccurrenceView{}, domain.ErrNotFound
	}
	view := domain.OccurrenceView{Occurrence: occ}
	for _, d := range s.state.dispatches {
		if d.OccurrenceID == id {
			view.Dispatches = append(view.Dispatches, d)
		}
	}
	return view, nil
}

func (s *memStore) DispatchExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.dispatches[id]
	return ok, nil
}

// snapshot helpers for assertions

func (s *memStore) command(id string) domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.commands[id]
}

func (s *memStore) occurrence(id string) domain.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.occurrences[id]
}

func (s *memStore) auditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.state.audit...)
}

func (s *memStore) outboxRows() []outboxRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outboxRow(nil), s.state.outbox...)
}

func (s *memStore) dispatchList() []domain.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Dispatch, 0, len(s.state.dispatches))
	for _, d := range s.state.dispatches {
		out = append(out, d)
	}
	return out
}

func (s *memStore) seedOccurrence(occ domain.Occurrence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.occurrences[occ.ID] = occ
}

func (s *memStore) seedDispatch(d domain.Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.dispatches[d.ID] = d
}

func (s *memStore) seedCommand(cmd domain.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.commands[cmd.ID] = cmd
}

type memTx struct {
	store *memStore
	state memState
}

func (t *memTx) LockCommand(_ context.Context, id string) (domain.Command, error) {
	cmd, ok := t.state.commands[id]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return cmd, nil
}

func (t *memTx) SaveCommand(_ context.Context, cmd domain.Command) error {
	if t.store.failSave != nil {
		return t.store.failSave
	}
	t.state.commands[cmd.ID] = cmd
	return nil
}

func (t *memTx) LockOccurrence(_ context.Context, id string) (domain.Occurrence, error) {
	occ, ok := t.state.occurrences[id]
	if !ok {
		return domain.Occurrence{}, domain.ErrNotFound
	}
	return occ, nil
}

func (t *memTx) LockOccurrenceByExternalID(_ context.Context, externalID string) (domain.Occurrence, error) {
	for _, occ := range t.state.occurrences {
		if occ.ExternalID != nil && *occ.ExternalID == externalID {
			return occ, nil
		}
	}
	return domain.Occurrence{}, domain.ErrNotFound
}

func (t *memTx) InsertOccurrence(_ context.Context, occ domain.Occurrence) (domain.InsertResult[domain.Occurrence], error) {
	if w := t.store.raceWinner; w != nil {
		t.store.raceWinner = nil
		t.state.occurrences[w.ID] = *w
		return domain.AlreadyExists(*w), nil
	}
	t.state.occurrences[occ.ID] = occ
	return domain.Inserted(occ), nil
}

func (t *memTx) UpdateOccurrence(_ context.Context, occ domain.Occurrence) error {
	t.state.occurrences[occ.ID] = occ
	return nil
}

func (t *memTx) LockDispatch(_ context.Context, id string) (domain.Dispatch, error) {
	d, ok := t.state.dispatches[id]
	if !ok {
		return domain.Dispatch{}, domain.ErrNotFound
	}
	return d, nil
}

func (t *memTx) InsertDispatch(_ context.Context, d domain.Dispatch) error {
	t.state.dispatches[d.ID] = d
	return nil
}

func (t *memTx) UpdateDispatch(_ context.Context, d domain.Dispatch) error {
	t.state.dispatches[d.ID] = d
	return nil
}

func (t *memTx) InsertAudit(_ context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	t.state.nextAuditID++
	e.ID = t.state.nextAuditID
	t.state.audit = append(t.state.audit, e)
	return e, nil
}

func (t *memTx) InsertOutbox(_ context.Context, topic string, env domain.EventEnvelope) error {
	t.state.outbox = append(t.state.outbox, outboxRow{topic: topic, envelope: env})
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
