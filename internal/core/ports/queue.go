package ports

import (
	"context"
	"time"
)

// Delivery is one attempt at processing a command. Attempt starts at 1.
type Delivery struct {
	CommandID string `json:"command_id"`
	Attempt   int    `json:"attempt"`
}

// CommandQueue carries command ids from intake to the workers. Delivery is at
// least once; processors tolerate duplicates.
type CommandQueue interface {
	Enqueue(ctx context.Context, commandID string) error
	// Dequeue blocks until a delivery is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	// Retry makes d available again after delay. Callers set d.Attempt.
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
}
