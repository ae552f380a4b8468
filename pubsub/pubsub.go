// Package pubsub carries "replica changed" signals between sibling pops.
//
// Publishing and subscribing are separate handles. Some brokers cannot issue
// commands on a connection that is subscribed, so each role gets its own
// connection. Backends register themselves by name; see pubsub/backend.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/edgepop/cfg"
)

// SyncMessage is the only payload pops exchange
const SyncMessage = "sync"

// Handler receives payloads in delivery order
type Handler func(payload []byte)

// Publisher sends payloads to a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Subscriber delivers payloads from a channel.
// Subscribe returns once the subscription is live; delivery stops when ctx
// is cancelled or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Backend creates the two handles for one broker type
type Backend struct {
	NewPublisher  func(cfg.PubSubConfiguration) (Publisher, error)
	NewSubscriber func(cfg.PubSubConfiguration) (Subscriber, error)
}

var (
	backends   = make(map[cfg.PubSubBackend]Backend)
	backendsMu sync.RWMutex
)

// Register makes a backend available by name
func Register(name cfg.PubSubBackend, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = b
}

func lookup(name cfg.PubSubBackend) (Backend, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("unknown pub/sub backend: %s", name)
	}
	return b, nil
}

// NewPublisher opens the publishing handle for config.Backend
func NewPublisher(config cfg.PubSubConfiguration) (Publisher, error) {
	b, err := lookup(config.Backend)
	if err != nil {
		return nil, err
	}
	return b.NewPublisher(config)
}

// NewSubscriber opens the subscribing handle for config.Backend
func NewSubscriber(config cfg.PubSubConfiguration) (Subscriber, error) {
	b, err := lookup(config.Backend)
	if err != nil {
		return nil, err
	}
	return b.NewSubscriber(config)
}
