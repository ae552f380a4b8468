package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/edgepop/cfg"
	"github.com/maxpert/edgepop/engine"
	"github.com/maxpert/edgepop/proxy"
	"github.com/maxpert/edgepop/pubsub"
	_ "github.com/maxpert/edgepop/pubsub/backend"
	"github.com/maxpert/edgepop/replica"
	"github.com/maxpert/edgepop/router"
	"github.com/maxpert/edgepop/server"
	"github.com/maxpert/edgepop/statement"
	"github.com/maxpert/edgepop/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("pop_id", cfg.Config.PopID).
		Str("region", cfg.Config.Region).
		Str("version", version).
		Dur("sync_interval", cfg.Config.SyncInterval()).
		Bool("pubsub_sync", cfg.Config.PubSubEnabled()).
		Logger()

	level, err := zerolog.ParseLevel(cfg.Config.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = gLog.Level(level)

	log.Info().Msg("Edge pop starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	origin := proxy.New(proxy.Options{
		BaseURL:             cfg.Config.PrimaryHTTPURL(),
		AuthToken:           cfg.Config.Primary.AuthToken,
		Timeout:             cfg.Config.ProxyTimeout(),
		DumpTimeout:         cfg.Config.DumpTimeout(),
		MaxIdleConnsPerHost: cfg.Config.Primary.MaxIdleConnsHost,
	})

	log.Info().Str("path", cfg.Config.Database.Path).Msg("Opening local replica")
	local, err := engine.Open(engine.Options{
		Path:         cfg.Config.Database.Path,
		MaxOpenConns: cfg.Config.Database.MaxOpenConns,
		Forwarder:    origin,
		Snapshots:    origin,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local replica")
		return
	}
	defer local.Close()

	classifier, err := statement.NewClassifier(cfg.Config.Classifier.CacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create statement classifier")
		return
	}

	coord := replica.NewCoordinator(local, replica.NewSyncState())

	// Fan-out: publish when pub/sub is configured, otherwise self-sync
	var publisher pubsub.Publisher
	if cfg.Config.PubSubEnabled() {
		log.Info().
			Str("backend", string(cfg.Config.PubSub.Backend)).
			Str("channel", cfg.Config.PubSub.Channel).
			Msg("Connecting pub/sub")

		publisher, err = pubsub.NewPublisher(cfg.Config.PubSub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create pub/sub publisher")
			return
		}
		defer publisher.Close()

		subscriber, err := pubsub.NewSubscriber(cfg.Config.PubSub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create pub/sub subscriber")
			return
		}
		defer subscriber.Close()

		if err := coord.RunSubscriber(ctx, subscriber, cfg.Config.PubSub.Channel, cfg.Config.Debounce()); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe to sync channel")
			return
		}
	}
	notifier := replica.NewWriteNotifier(publisher, cfg.Config.PubSub.Channel, coord)

	go coord.RunInterval(ctx, cfg.Config.SyncInterval())

	collector := telemetry.NewMetricsCollector(coord, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	srv := server.New(server.Options{
		Router:      router.New(local, origin, notifier, classifier),
		Coordinator: coord,
		Health:      local,
		AuthToken:   cfg.Config.Server.AuthToken,
		Version:     version,
		Region:      cfg.Config.Region,
		Quiet:       cfg.Config.Logging.Quiet,
		Compression: cfg.Config.Server.Compression,
		Metrics:     telemetry.GetMetricsHandler(),
	})

	if err := srv.ListenAndServe(ctx, cfg.Config.ListenAddress()); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	log.Info().Msg("Edge pop stopped")
}
