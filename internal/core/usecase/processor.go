package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped means the command was already terminal.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means a business rule rejected the command and it is now
	// marked failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeRetry means an infrastructure error left the command pending.
	OutcomeRetry Outcome = "retry"
)

// unitOfWork is the state of one command while its transaction is open. It is
// owned by a single handler call and discarded when the transaction ends.
type unitOfWork struct {
	tx    ports.Tx
	cmd   *domain.Command
	audit AuditWriter
	now   time.Time
}

func (u *unitOfWork) meta() domain.AuditMeta {
	return domain.AuditMeta{
		Source:         u.cmd.Source,
		CommandID:      u.cmd.ID,
		IdempotencyKey: u.cmd.IdempotencyKey,
		CommandType:    u.cmd.Type,
	}
}

func (u *unitOfWork) record(ctx context.Context, rec AuditRecord) error {
	if rec.Meta.CommandID == "" {
		extra := rec.Meta
		rec.Meta = u.meta()
		rec.Meta.OccurrenceID = extra.OccurrenceID
		rec.Meta.DispatchID = extra.DispatchID
	}
	_, err := u.audit.Append(ctx, u.tx, rec)
	return err
}

type commandHandler func(ctx context.Context, u *unitOfWork) error

// CommandProcessor applies one pending command inside one write transaction.
type CommandProcessor struct {
	commands ports.CommandStore
	tx       ports.Transactor
	audit    AuditWriter
	handlers map[domain.CommandType]commandHandler
	metrics  ports.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewCommandProcessor(commands ports.CommandStore, tx ports.Transactor, metrics ports.Metrics, log *zap.Logger) *CommandProcessor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandProcessor{
		commands: commands,
		tx:       tx,
		audit:    NewAuditWriter(),
		handlers: map[domain.CommandType]commandHandler{
			domain.CommandOccurrenceCreated: handleOccurrenceCreated,
			domain.CommandOccurrenceStart:   handleOccurrenceStart,
			domain.CommandOccurrenceStatus:  handleOccurrenceStatus,
			domain.CommandOccurrenceFinish:  handleOccurrenceFinish,
			domain.CommandDispatchCreate:    handleDispatchCreate,
			domain.CommandDispatchStatus:    handleDispatchStatus,
		},
		metrics: metrics,
		log:     log.Named("processor"),
		tracer:  otel.Tracer("github.com/atvirokodosprendimai/incidentinbox/processor"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the handler for commandID. Domain errors mark the command
// failed and return OutcomeFailed with a nil error; any other error is
// returned with OutcomeRetry and leaves the command pending.
func (p *CommandProcessor) Process(ctx context.Context, commandID string) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "command.process", trace.WithAttributes(
		attribute.String("command.id", commandID),
	))
	defer span.End()
	start := time.Now()

	cmd, err := p.commands.Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return OutcomeSkipped, fmt.Errorf("load command %s: %w", commandID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load command")
		return OutcomeRetry, fmt.Errorf("load command %s: %w", commandID, err)
	}
	span.SetAttributes(attribute.String("command.type", string(cmd.Type)))
	if cmd.Status.Terminal() {
		p.observe(cmd.Type, OutcomeSkipped, start)
		return OutcomeSkipped, nil
	}

	outcome := OutcomeProcessed
	err = p.tx.WithinTx(ctx, func(tx ports.Tx) error {
		locked, err := tx.LockCommand(ctx, commandID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			outcome = OutcomeSkipped
			return nil
		}
		handler, ok := p.handlers[locked.Type]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedCommandType, locked.Type)
		}
		u := &unitOfWork{tx: tx, cmd: &locked, audit: p.audit, now: p.now()}
		if err := handler(ctx, u); err != nil {
			return err
		}
		locked.MarkProcessed(u.now)
		locked.UpdatedAt = u.now
		return tx.SaveCommand(ctx, locked)
	})
	if err == nil {
		p.observe(cmd.Type, outcome, start)
		return outcome, nil
	}

	if domain.IsDomainError(err) {
		if _, markErr := p.commands.MarkFailed(ctx, commandID, err.Error(), p.now()); markErr != nil {
			span.RecordError(markErr)
			span.SetStatus(codes.Error, "mark failed")
			p.observe(cmd.Type, OutcomeRetry, start)
			return OutcomeRetry, fmt.Errorf("mark command %s failed: %w", commandID, markErr)
		}
		p.log.Info("command rejected",
			zap.String("command_id", commandID),
			zap.String("type", string(cmd.Type)),
			zap.Error(err),
		)
		span.SetAttributes(attribute.String("command.error", err.Error()))
		p.observe(cmd.Type, OutcomeFailed, start)
		return OutcomeFailed, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "process command")
	p.observe(cmd.Type, OutcomeRetry, start)
	return OutcomeRetry, fmt.Errorf("process command %s: %w", commandID, err)
}

// Fail marks a pending command failed after its retries are exhausted.
func (p *CommandProcessor) Fail(ctx context.Context, commandID string, cause error) error {
	msg := "processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	changed, err := p.commands.MarkFailed(ctx, commandID, msg, p.now())
	if err != nil {
		return fmt.Errorf("mark command %s failed: %w", commandID, err)
	}
	if changed {
		p.log.Warn("command abandoned",
			zap.String("command_id", commandID),
			zap.String("error", msg),
		)
	}
	return nil
}

func (p *CommandProcessor) observe(t domain.CommandType, outcome Outcome, start time.Time) {
	p.metrics.CommandProcessed(t, string(outcome), time.Since(start))
}
