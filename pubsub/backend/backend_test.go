package backend

import (
	"context"
	"testing"

	"github.com/maxpert/edgepop/cfg"
	"github.com/maxpert/edgepop/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable refuses connections on every platform we run tests on
const unreachable = "127.0.0.1:1"

func TestNats_RequiresURL(t *testing.T) {
	_, err := NewNats("", "test")
	assert.Error(t, err)
}

func TestNats_ConnectFailure(t *testing.T) {
	_, err := pubsub.NewPublisher(cfg.PubSubConfiguration{Backend: cfg.PubSubNATS, URL: "nats://" + unreachable})
	assert.ErrorContains(t, err, "failed to connect to NATS")
}

func TestKafka_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil)
	assert.Error(t, err)
	_, err = NewKafkaSubscriber(nil, "g")
	assert.Error(t, err)
}

func TestKafka_SubscribeUnreachableBroker(t *testing.T) {
	sub, err := pubsub.NewSubscriber(cfg.PubSubConfiguration{
		Backend: cfg.PubSubKafka,
		Brokers: []string{unreachable},
	})
	require.NoError(t, err)
	defer sub.Close()

	err = sub.Subscribe(context.Background(), "turso-edge-pop-sync", func([]byte) {})
	assert.ErrorContains(t, err, "failed to reach kafka broker")
}

func TestKafka_DefaultGroupIsPerPop(t *testing.T) {
	cfg.Config.PopID = 42
	sub, err := pubsub.NewSubscriber(cfg.PubSubConfiguration{Backend: cfg.PubSubKafka, Brokers: []string{unreachable}})
	require.NoError(t, err)
	assert.Equal(t, "edgepop-42", sub.(*KafkaSubscriber).group)

	sub, err = pubsub.NewSubscriber(cfg.PubSubConfiguration{
		Backend:       cfg.PubSubKafka,
		Brokers:       []string{unreachable},
		ConsumerGroup: "shared",
	})
	require.NoError(t, err)
	assert.Equal(t, "shared", sub.(*KafkaSubscriber).group)
}
