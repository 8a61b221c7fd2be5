package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

// CommandStore is the durable command inbox.
type CommandStore interface {
	// Insert stores a new pending command. When (idempotency key, type) is
	// already taken the stored row is returned with Existing set.
	Insert(ctx context.Context, cmd domain.Command) (domain.InsertResult[domain.Command], error)
	Get(ctx context.Context, id string) (domain.Command, error)
	// MarkProcessed and MarkFailed only touch pending rows and report whether
	// a row changed. Processors finish commands through Tx.SaveCommand inside
	// the lock instead of MarkProcessed.
	MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) (bool, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Command, error)
}

// Transactor runs fn inside one write transaction. fn's error rolls the
// transaction back and is returned unchanged.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of row-level operations available to a command processor.
// Lock* methods take an exclusive row lock held until the transaction ends
// and return domain.ErrNotFound for missing rows.
type Tx interface {
	LockCommand(ctx context.Context, id string) (domain.Command, error)
	SaveCommand(ctx context.Context, cmd domain.Command) error

	LockOccurrence(ctx context.Context, id string) (domain.Occurrence, error)
	LockOccurrenceByExternalID(ctx context.Context, externalID string) (domain.Occurrence, error)
	InsertOccurrence(ctx context.Context, occ domain.Occurrence) (domain.InsertResult[domain.Occurrence], error)
	UpdateOccurrence(ctx context.Context, occ domain.Occurrence) error

	LockDispatch(ctx context.Context, id string) (domain.Dispatch, error)
	InsertDispatch(ctx context.Context, d domain.Dispatch) error
	UpdateDispatch(ctx context.Context, d domain.Dispatch) error

	InsertAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
	InsertOutbox(ctx context.Context, topic string, envelope domain.EventEnvelope) error
}

type OccurrenceReader interface {
	GetOccurrence(ctx context.Context, id string) (domain.OccurrenceView, error)
	DispatchExists(ctx context.Context, id string) (bool, error)
}

type AuditReader interface {
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}
