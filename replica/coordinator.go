package replica

import (
	"context"
	"errors"
	"time"

	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/pubsub"
	"github.com/maxpert/edgepop/telemetry"
	"github.com/rs/zerolog/log"
)

// Source names what asked for a sync
type Source string

const (
	SourceInterval Source = "interval"
	SourcePubSub   Source = "pubsub"
	SourceAPI      Source = "api"
)

// ErrSyncInProgress is returned when a sync is already running
var ErrSyncInProgress = errors.New("sync already in progress")

// Syncer is the engine's sync primitive. It must never run concurrently.
type Syncer interface {
	Sync(ctx context.Context) (engine.Replicated, error)
}

// Coordinator serializes syncs behind a SyncState
type Coordinator struct {
	syncer Syncer
	state  *SyncState
	now    func() time.Time
}

// NewCoordinator creates a coordinator guarding syncer with state
func NewCoordinator(syncer Syncer, state *SyncState) *Coordinator {
	return &Coordinator{
		syncer: syncer,
		state:  state,
		now:    time.Now,
	}
}

// SyncNow runs one sync unless another is in flight, in which case it
// returns ErrSyncInProgress without side effects. The sync itself ignores
// cancellation of ctx so the flag is only released once it finishes.
func (c *Coordinator) SyncNow(ctx context.Context, source Source) (engine.Replicated, error) {
	if !c.state.TryAcquire() {
		telemetry.SyncTotal.With(string(source), "skipped").Inc()
		log.Info().Str("source", string(source)).Msg("Sync skipped, parallel sync already running")
		return engine.Replicated{}, ErrSyncInProgress
	}

	var synced time.Time
	defer func() { c.state.Release(synced) }()

	start := c.now()
	rep, err := c.syncer.Sync(context.WithoutCancel(ctx))
	elapsed := c.now().Sub(start)
	telemetry.SyncDurationSeconds.With(string(source)).Observe(elapsed.Seconds())

	if err != nil {
		telemetry.SyncTotal.With(string(source), "failed").Inc()
		log.Error().Err(err).Str("source", string(source)).Msg("Sync failed")
		return engine.Replicated{}, err
	}

	synced = c.now()
	telemetry.SyncTotal.With(string(source), "success").Inc()
	log.Info().
		Str("source", string(source)).
		Int64("frame_no", rep.FrameNo).
		Int64("frames_synced", rep.FramesSynced).
		Dur("duration", elapsed).
		Msg("Sync completed")
	return rep, nil
}

// Trigger runs a detached sync and swallows the outcome; failures are
// logged and retried by the next trigger.
func (c *Coordinator) Trigger(source Source) {
	c.SyncNow(context.Background(), source)
}

// LastSync returns the time of the last successful sync
func (c *Coordinator) LastSync() time.Time {
	return c.state.LastSync()
}

// RunInterval triggers a sync immediately and then every interval until
// ctx is cancelled.
func (c *Coordinator) RunInterval(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Trigger(SourceInterval)
	for {
		select {
		case <-ticker.C:
			c.Trigger(SourceInterval)
		case <-ctx.Done():
			return
		}
	}
}

// RunSubscriber subscribes to channel and debounces every sync message
// into one trailing Trigger(SourcePubSub). A subscribe error is returned
// to the caller, which should treat it as fatal.
func (c *Coordinator) RunSubscriber(ctx context.Context, sub pubsub.Subscriber, channel string, debounce time.Duration) error {
	d := NewDebouncer(debounce, func() { c.Trigger(SourcePubSub) })

	err := sub.Subscribe(ctx, channel, func(payload []byte) {
		if string(payload) != pubsub.SyncMessage {
			telemetry.PubSubMessagesTotal.With("ignored").Inc()
			return
		}
		telemetry.PubSubMessagesTotal.With("accepted").Inc()
		d.Call()
	})
	if err != nil {
		d.Stop()
		return err
	}

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	log.Info().
		Str("channel", channel).
		Dur("debounce", debounce).
		Msg("Listening for sync messages")
	return nil
}
