package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxAttempts is the publish budget before an event is dead-lettered.
	MaxAttempts int
}

// OutboxDispatcher publishes audit events committed by command processors.
type OutboxDispatcher struct {
	repo      ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       OutboxConfig
	metrics   ports.Metrics
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64
}

type OutboxStats struct {
	Published int64
	Failed    int64
	Dead      int64
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, cfg OutboxConfig, metrics ports.Metrics, log *zap.Logger) *OutboxDispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxDispatcher{repo: repo, publisher: publisher, cfg: cfg, metrics: metrics, log: log.Named("outbox")}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.DispatchBatch(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("dispatch batch", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchBatch publishes up to BatchSize due events. Publish failures are
// recorded on the event; only repository errors are returned.
func (d *OutboxDispatcher) DispatchBatch(ctx context.Context) error {
	events, err := d.repo.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending events: %w", err)
	}

	for _, event := range events {
		var envelope domain.EventEnvelope
		if err := json.Unmarshal(event.PayloadJSON, &envelope); err != nil {
			if markErr := d.markFailure(ctx, event, fmt.Sprintf("decode payload: %v", err)); markErr != nil {
				return markErr
			}
			continue
		}

		if err := d.publisher.Publish(ctx, event.Topic, envelope); err != nil {
			d.log.Warn("publish event",
				zap.String("event_id", event.EventID),
				zap.String("topic", event.Topic),
				zap.Error(err),
			)
			if markErr := d.markFailure(ctx, event, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}

		if err := d.repo.MarkDispatched(ctx, event.ID); err != nil {
			return fmt.Errorf("mark event %d dispatched: %w", event.ID, err)
		}
		d.published.Add(1)
		d.metrics.OutboxDispatched("published")
	}

	return nil
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg string) error {
	attempts := event.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		if err := d.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
			return fmt.Errorf("mark event %d dead: %w", event.ID, err)
		}
		d.dead.Add(1)
		d.metrics.OutboxDispatched("dead")
		d.log.Error("event dead-lettered", zap.String("event_id", event.EventID), zap.Int("attempts", attempts))
		return nil
	}
	next := time.Now().UTC().Add(backoffDuration(attempts)).Format(time.RFC3339Nano)
	if err := d.repo.MarkFailed(ctx, event.ID, attempts, next, errMsg); err != nil {
		return fmt.Errorf("mark event %d failed: %w", event.ID, err)
	}
	d.failed.Add(1)
	d.metrics.OutboxDispatched("failed")
	return nil
}

func (d *OutboxDispatcher) Stats() OutboxStats {
	return OutboxStats{
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Dead:      d.dead.Load(),
	}
}
