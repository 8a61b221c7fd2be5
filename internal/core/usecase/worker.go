package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// Runner processes single commands. *CommandProcessor implements it.
type Runner interface {
	Process(ctx context.Context, commandID string) (Outcome, error)
	Fail(ctx context.Context, commandID string, cause error) error
}

type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	// RedeliverAfter is the age after which a pending command is enqueued
	// again by the sweeper. Zero disables the sweeper.
	RedeliverAfter time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

// WorkerPool consumes the command queue with a fixed number of goroutines.
type WorkerPool struct {
	queue    ports.CommandQueue
	runner   Runner
	commands ports.CommandStore
	cfg      WorkerConfig
	log      *zap.Logger
	backoff  func(attempt int) time.Duration
	now      func() time.Time
}

func NewWorkerPool(queue ports.CommandQueue, runner Runner, commands ports.CommandStore, cfg WorkerConfig, log *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		queue:    queue,
		runner:   runner,
		commands: commands,
		cfg:      cfg,
		log:      log.Named("worker"),
		backoff:  backoffDuration,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled or a worker returns an unrecoverable
// error.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		log := w.log.With(zap.Int("worker", i))
		g.Go(func() error { return w.consume(ctx, log) })
	}
	if w.cfg.RedeliverAfter > 0 && w.commands != nil {
		g.Go(func() error { return w.sweep(ctx) })
	}
	w.log.Info("worker pool started", zap.Int("workers", w.cfg.Workers))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *WorkerPool) consume(ctx context.Context, log *zap.Logger) error {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("dequeue", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle processes one delivery and schedules a retry or terminal failure
// when processing hit an infrastructure error.
func (w *WorkerPool) Handle(ctx context.Context, d ports.Delivery) {
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	log := w.log.With(zap.String("command_id", d.CommandID), zap.Int("attempt", d.Attempt))

	outcome, err := w.runner.Process(ctx, d.CommandID)
	switch outcome {
	case OutcomeProcessed, OutcomeFailed:
		log.Debug("command handled", zap.String("outcome", string(outcome)))
		return
	case OutcomeSkipped:
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("delivery for unknown command dropped")
		}
		return
	}

	if d.Attempt >= w.cfg.MaxAttempts {
		log.Error("retries exhausted", zap.Error(err))
		if failErr := w.runner.Fail(ctx, d.CommandID, err); failErr != nil {
			log.Error("mark command failed", zap.Error(failErr))
		}
		return
	}
	delay := w.backoff(d.Attempt)
	log.Warn("command will be retried", zap.Duration("delay", delay), zap.Error(err))
	next := ports.Delivery{CommandID: d.CommandID, Attempt: d.Attempt + 1}
	if err := w.queue.Retry(ctx, next, delay); err != nil {
		log.Error("schedule retry", zap.Error(err))
	}
}

func (w *WorkerPool) sweep(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := w.Redeliver(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("redeliver pending commands", zap.Error(err))
		}
	}
}

// Redeliver enqueues pending commands older than RedeliverAfter and returns
// how many were enqueued.
func (w *WorkerPool) Redeliver(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.RedeliverAfter)
	pending, err := w.commands.ListPending(ctx, cutoff, w.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cmd := range pending {
		if err := w.queue.Enqueue(ctx, cmd.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		w.log.Info("redelivered pending commands", zap.Int("count", n))
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
