package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/edgepop/cfg"
	"github.com/puzpuzpuz/xsync/v3"
)

// Sized to absorb write bursts; slow subscribers drop payloads instead of
// blocking publishers.
const defaultBufferSize = 16

func init() {
	Register(cfg.PubSubMemory, Backend{
		NewPublisher: func(cfg.PubSubConfiguration) (Publisher, error) {
			return hubHandle{DefaultHub}, nil
		},
		NewSubscriber: func(cfg.PubSubConfiguration) (Subscriber, error) {
			return hubHandle{DefaultHub}, nil
		},
	})
}

// DefaultHub backs the "memory" backend
var DefaultHub = NewHub()

type subscription struct {
	channel string
	ch      chan []byte
	mu      sync.RWMutex
	closed  bool
}

// send never blocks and is a no-op after close
func (s *subscription) send(payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is an in-process broker. Every subscriber of a channel sees every
// payload published to it, unless its buffer is full.
type Hub struct {
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscriptions: xsync.NewMapOf[uint64, *subscription]()}
}

// Publish delivers payload to channel subscribers without blocking
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if sub.channel == channel {
			sub.send(payload)
		}
		return true
	})
	return nil
}

// Subscribe starts delivering channel payloads to handler
func (h *Hub) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := &subscription{
		channel: channel,
		ch:      make(chan []byte, defaultBufferSize),
	}
	id := h.nextID.Add(1)
	h.subscriptions.Store(id, sub)

	go func() {
		<-ctx.Done()
		h.unsubscribe(id)
	}()

	go func() {
		for payload := range sub.ch {
			handler(payload)
		}
	}()
	return nil
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	return h.subscriptions.Size()
}

func (h *Hub) unsubscribe(id uint64) {
	if sub, ok := h.subscriptions.LoadAndDelete(id); ok {
		sub.close()
	}
}

// Close drops every subscription
func (h *Hub) Close() error {
	h.subscriptions.Range(func(id uint64, _ *subscription) bool {
		h.unsubscribe(id)
		return true
	})
	return nil
}

// hubHandle shares DefaultHub; closing a handle leaves the hub running
type hubHandle struct {
	*Hub
}

func (hubHandle) Close() error {
	return nil
}
