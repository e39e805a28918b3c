// Package broadcast fans notifications out to every open UI surface.
//
// Delivery never blocks: a listener whose channel is full misses the
// notification and the drop is counted.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/metrics"
	"go.uber.org/zap"
)

var (
	ErrListenerExists   = errors.New("listener id already exists")
	ErrListenerNotFound = errors.New("listener id not found")
	ErrBusClosed        = errors.New("bus is closed")
)

type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Bus is the in-process listener registry.
type Bus struct {
	logger *zap.Logger

	mu        sync.RWMutex
	listeners map[string]chan<- entity.Notification
	stats     map[string]*Stats
	closed    bool
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger,
		listeners: make(map[string]chan<- entity.Notification),
		stats:     make(map[string]*Stats),
	}
}

func (b *Bus) Subscribe(id string, ch chan<- entity.Notification) error {
	if ch == nil {
		return errors.New("listener channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.listeners[id]; ok {
		return ErrListenerExists
	}
	b.listeners[id] = ch
	b.stats[id] = &Stats{}
	return nil
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.listeners[id]; !ok {
		return ErrListenerNotFound
	}
	delete(b.listeners, id)
	delete(b.stats, id)
	return nil
}

// Broadcast offers n to every listener. It takes the write lock because it updates per-listener stats.
func (b *Bus) Broadcast(_ context.Context, n entity.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	for id, ch := range b.listeners {
		select {
		case ch <- n:
			b.stats[id].Sent++
			metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
		default:
			b.stats[id].Dropped++
			metrics.BroadcastsTotal.WithLabelValues("dropped").Inc()
			b.logger.Warn("listener channel full, notification dropped",
				zap.String("listener_id", id),
				zap.String("type", n.Type),
			)
		}
	}
	return nil
}

func (b *Bus) Stats() map[string]Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Stats, len(b.stats))
	for id, s := range b.stats {
		out[id] = *s
	}
	return out
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close drops every listener. Channels are owned by the subscribers and are not closed here.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	b.listeners = nil
	b.stats = nil
	return nil
}

type fanout []port.Broadcaster

// Fanout delivers to every target and joins their errors. Nil targets are skipped.
func Fanout(targets ...port.Broadcaster) port.Broadcaster {
	out := make(fanout, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (f fanout) Broadcast(ctx context.Context, n entity.Notification) error {
	var errs []error
	for _, t := range f {
		if err := t.Broadcast(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
