package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// promoteScript moves due members of the delayed set onto the ready list.
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call("ZREM", KEYS[1], m)
  redis.call("LPUSH", KEYS[2], m)
end
return #due
`

type RedisConfig struct {
	Prefix       string
	PollInterval time.Duration
	PromoteBatch int
}

// Redis is a CommandQueue backed by a list of ready deliveries and a sorted
// set of delayed retries scored by due time in milliseconds.
type Redis struct {
	client  *redis.Client
	promote *redis.Script
	ready   string
	delayed string
	poll    time.Duration
	batch   int
}

var _ ports.CommandQueue = (*Redis)(nil)

func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "incidentinbox:commands"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	return &Redis{
		client:  client,
		promote: redis.NewScript(promoteScript),
		ready:   cfg.Prefix + ":ready",
		delayed: cfg.Prefix + ":delayed",
		poll:    cfg.PollInterval,
		batch:   cfg.PromoteBatch,
	}
}

func (q *Redis) Enqueue(ctx context.Context, commandID string) error {
	raw, err := json.Marshal(ports.Delivery{CommandID: commandID, Attempt: 1})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("enqueue command %s: %w", commandID, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (ports.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ports.Delivery{}, err
		}
		if _, err := q.Promote(ctx); err != nil && ctx.Err() == nil {
			return ports.Delivery{}, err
		}

		res, err := q.client.BRPop(ctx, q.poll, q.ready).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ports.Delivery{}, ctx.Err()
			}
			return ports.Delivery{}, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP replies with [key, value].
		var d ports.Delivery
		if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
			return ports.Delivery{}, fmt.Errorf("decode delivery: %w", err)
		}
		if d.Attempt <= 0 {
			d.Attempt = 1
		}
		return d, nil
	}
}

func (q *Redis) Retry(ctx context.Context, d ports.Delivery, delay time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", d.CommandID, err)
	}
	return nil
}

// Promote moves retries whose delay has elapsed onto the ready list and
// reports how many moved.
func (q *Redis) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := q.promote.Run(ctx, q.client, []string{q.delayed, q.ready}, now, q.batch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed deliveries: %w", err)
	}
	return n, nil
}
