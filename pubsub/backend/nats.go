// Package backend registers broker-backed pub/sub implementations.
// Import it for side effects.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/edgepop/cfg"
	"github.com/maxpert/edgepop/pubsub"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

func init() {
	pubsub.Register(cfg.PubSubNATS, pubsub.Backend{
		NewPublisher: func(config cfg.PubSubConfiguration) (pubsub.Publisher, error) {
			return NewNats(config.URL, "edgepop-publisher")
		},
		NewSubscriber: func(config cfg.PubSubConfiguration) (pubsub.Subscriber, error) {
			return NewNats(config.URL, "edgepop-subscriber")
		},
	})
}

// Nats is one NATS connection, used for either publishing or subscribing
type Nats struct {
	nc *nats.Conn
}

// NewNats connects to url. Reconnects are unbounded; a pop keeps serving
// local reads while the broker is away.
func NewNats(url, name string) (*Nats, error) {
	if url == "" {
		return nil, fmt.Errorf("nats pub/sub requires url")
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("name", name).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("name", name).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Nats{nc: nc}, nil
}

// Publish sends payload on subject channel
func (n *Nats) Publish(_ context.Context, channel string, payload []byte) error {
	if err := n.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler on subject channel and waits for the server
// to acknowledge the interest.
func (n *Nats) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) error {
	sub, err := n.nc.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to confirm subscription to %s: %w", channel, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.Debug().Err(err).Str("channel", channel).Msg("NATS unsubscribe failed")
		}
	}()
	return nil
}

// Close releases the connection
func (n *Nats) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
