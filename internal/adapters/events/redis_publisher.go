package events

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

// RedisStreamPublisher appends events to one Redis stream per topic.
type RedisStreamPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, prefix string, maxLen int64) *RedisStreamPublisher {
	if prefix == "" {
		prefix = "incidentinbox:"
	}
	return &RedisStreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Stream(topic string) string {
	return p.prefix + topic
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(topic),
		Values: map[string]any{
			"event_id":   event.EventID,
			"event_type": event.EventType,
			"payload":    string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}
