package replica

import (
	"context"
	"time"

	"github.com/maxpert/edgepop/pubsub"
	"github.com/maxpert/edgepop/telemetry"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// WriteNotifier makes a local write visible to sibling pops
type WriteNotifier interface {
	NotifyWrite(ctx context.Context)
}

// NewWriteNotifier picks the fan-out strategy once: publish when a
// publisher is configured, otherwise sync this pop directly.
func NewWriteNotifier(pub pubsub.Publisher, channel string, coord *Coordinator) WriteNotifier {
	if pub != nil {
		return &PublishNotifier{pub: pub, channel: channel}
	}
	return &SelfSyncNotifier{coord: coord}
}

// PublishNotifier sends a sync message and returns without waiting
type PublishNotifier struct {
	pub     pubsub.Publisher
	channel string
}

// NotifyWrite publishes in the background; errors are only logged
func (n *PublishNotifier) NotifyWrite(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := n.pub.Publish(ctx, n.channel, []byte(pubsub.SyncMessage)); err != nil {
			telemetry.WriteNotificationsTotal.With("publish", "failed").Inc()
			log.Warn().Err(err).Str("channel", n.channel).Msg("Failed to publish sync message")
			return
		}
		telemetry.WriteNotificationsTotal.With("publish", "success").Inc()
	}()
}

// SelfSyncNotifier syncs this pop before the write's response is sent
type SelfSyncNotifier struct {
	coord *Coordinator
}

// NotifyWrite blocks until the sync finishes or is skipped
func (n *SelfSyncNotifier) NotifyWrite(ctx context.Context) {
	if _, err := n.coord.SyncNow(ctx, SourceAPI); err != nil {
		telemetry.WriteNotificationsTotal.With("self_sync", "failed").Inc()
		return
	}
	telemetry.WriteNotificationsTotal.With("self_sync", "success").Inc()
}
