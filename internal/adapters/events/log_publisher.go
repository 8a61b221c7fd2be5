package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.EventEnvelope) error {
	p.log.Info("outbox publish",
		zap.String("topic", topic),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("entity", event.EntityType+"/"+event.EntityID),
		zap.String("command_id", event.CommandID),
	)
	return nil
}
