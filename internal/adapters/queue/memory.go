package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

var ErrClosed = errors.New("queue closed")

// Memory is an in-process CommandQueue. Deliveries are lost on restart; the
// worker sweeper re-enqueues pending commands from the inbox.
type Memory struct {
	ch     chan ports.Delivery
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

var _ ports.CommandQueue = (*Memory)(nil)

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		ch:     make(chan ports.Delivery, buffer),
		timers: map[*time.Timer]struct{}{},
		done:   make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, commandID string) error {
	return m.push(ctx, ports.Delivery{CommandID: commandID, Attempt: 1})
}

func (m *Memory) push(ctx context.Context, d ports.Delivery) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- d:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context) (ports.Delivery, error) {
	select {
	case d := <-m.ch:
		return d, nil
	case <-m.done:
		return ports.Delivery{}, ErrClosed
	case <-ctx.Done():
		return ports.Delivery{}, ctx.Err()
	}
}

func (m *Memory) Retry(_ context.Context, d ports.Delivery, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		_ = m.push(context.Background(), d)
	})
	m.timers[t] = struct{}{}
	return nil
}

// Close stops pending retries and unblocks Dequeue.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	close(m.done)
	return nil
}
