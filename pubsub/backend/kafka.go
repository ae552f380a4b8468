package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/maxpert/edgepop/cfg"
	"github.com/maxpert/edgepop/pubsub"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

func init() {
	pubsub.Register(cfg.PubSubKafka, pubsub.Backend{
		NewPublisher: func(config cfg.PubSubConfiguration) (pubsub.Publisher, error) {
			return NewKafkaPublisher(config.Brokers)
		},
		NewSubscriber: func(config cfg.PubSubConfiguration) (pubsub.Subscriber, error) {
			group := config.ConsumerGroup
			if group == "" {
				group = fmt.Sprintf("edgepop-%d", cfg.Config.PopID)
			}
			return NewKafkaSubscriber(config.Brokers, group)
		},
	})
}

// KafkaPublisher writes payloads to a topic named after the channel
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer for brokers
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka pub/sub requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes one message to topic channel
func (k *KafkaPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: channel, Value: payload})
}

// Close flushes and releases the writer
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaSubscriber reads a topic through a consumer group unique to this pop,
// so every pop sees every message.
type KafkaSubscriber struct {
	brokers []string
	group   string
	readers []*kafka.Reader
}

// NewKafkaSubscriber prepares a subscriber; connections open on Subscribe
func NewKafkaSubscriber(brokers []string, group string) (*KafkaSubscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka pub/sub requires at least one broker address")
	}
	return &KafkaSubscriber{brokers: brokers, group: group}, nil
}

// Subscribe checks broker reachability, then consumes channel from the
// latest offset in the background.
func (k *KafkaSubscriber) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(dialCtx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to reach kafka broker %s: %w", k.brokers[0], err)
	}
	conn.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     k.group,
		Topic:       channel,
		StartOffset: kafka.LastOffset,
		MaxWait:     500 * time.Millisecond,
	})
	k.readers = append(k.readers, reader)

	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				log.Warn().Err(err).Str("topic", channel).Msg("Kafka read failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			handler(m.Value)
		}
	}()
	return nil
}

// Close stops every reader
func (k *KafkaSubscriber) Close() error {
	var first error
	for _, r := range k.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
