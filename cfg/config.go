package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// PubSubBackend names a registered pub/sub implementation
type PubSubBackend string

const (
	PubSubNone   PubSubBackend = ""
	PubSubNATS   PubSubBackend = "nats"
	PubSubKafka  PubSubBackend = "kafka"
	PubSubMemory PubSubBackend = "memory" // In-process only, useful for tests and single pop setups
)

// PrimaryConfiguration describes the remote primary database
type PrimaryConfiguration struct {
	URL              string `toml:"url"`
	AuthToken        string `toml:"auth_token"`
	SyncIntervalS    int    `toml:"sync_interval_seconds"`
	ProxyTimeoutMS   int    `toml:"proxy_timeout_ms"`
	DumpTimeoutS     int    `toml:"dump_timeout_seconds"`
	MaxIdleConnsHost int    `toml:"max_idle_conns_per_host"`
}

// DatabaseConfiguration describes the local embedded replica
type DatabaseConfiguration struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// PubSubConfiguration controls sibling pop fan-out
type PubSubConfiguration struct {
	Backend       PubSubBackend `toml:"backend"`
	URL           string        `toml:"url"`            // NATS URL
	Brokers       []string      `toml:"brokers"`        // Kafka brokers
	ConsumerGroup string        `toml:"consumer_group"` // Kafka, defaults to one group per pop
	Channel       string        `toml:"channel"`
	DebounceMS    int           `toml:"debounce_ms"`
}

// ServerConfiguration controls the inbound HTTP surface
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"`
	Compression bool   `toml:"compression"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
	Quiet  bool   `toml:"quiet"`  // Disables per-request logging
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// ClassifierConfiguration controls the statement classification cache
type ClassifierConfiguration struct {
	CacheSize int `toml:"cache_size"`
}

// Configuration is the main configuration structure
type Configuration struct {
	PopID  uint64 `toml:"pop_id"`
	Region string `toml:"region"`

	Primary    PrimaryConfiguration    `toml:"primary"`
	Database   DatabaseConfiguration   `toml:"database"`
	PubSub     PubSubConfiguration     `toml:"pubsub"`
	Server     ServerConfiguration     `toml:"server"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Classifier ClassifierConfiguration `toml:"classifier"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "edgepop.toml", "Path to configuration file")
	EnvFileFlag    = flag.String("env-file", ".env", "Optional dotenv file loaded before environment overrides")
	DBPathFlag     = flag.String("db-path", "", "Local replica path (overrides config)")
	PortFlag       = flag.Int("port", 0, "HTTP port (overrides config)")
)

// Default returns the compiled-in defaults
func Default() *Configuration {
	return &Configuration{
		Region: "default",

		Primary: PrimaryConfiguration{
			SyncIntervalS:    60,
			ProxyTimeoutMS:   30000,
			DumpTimeoutS:     300,
			MaxIdleConnsHost: 32,
		},

		Database: DatabaseConfiguration{
			Path:         "/app/data/local.db",
			MaxOpenConns: 8,
		},

		PubSub: PubSubConfiguration{
			Backend:    PubSubNone,
			Channel:    "turso-edge-pop-sync",
			DebounceMS: 1000,
		},

		Server: ServerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        3000,
			Compression: true,
		},

		Logging: LoggingConfiguration{
			Level:  "info",
			Format: "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Classifier: ClassifierConfiguration{
			CacheSize: 4096,
		},
	}
}

// Config is the process wide configuration
var Config = Default()

// Load loads configuration from file, dotenv, environment and CLI overrides, in that order
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *EnvFileFlag != "" {
		if err := godotenv.Load(*EnvFileFlag); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file %s: %w", *EnvFileFlag, err)
		}
	}

	if err := ApplyEnv(Config, os.LookupEnv); err != nil {
		return err
	}

	// Apply CLI overrides
	if *DBPathFlag != "" {
		Config.Database.Path = *DBPathFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.PopID == 0 {
		var err error
		Config.PopID, err = generatePopID()
		if err != nil {
			return fmt.Errorf("failed to generate pop ID: %w", err)
		}
		log.Debug().Uint64("pop_id", Config.PopID).Msg("Auto-generated pop ID")
	}

	return nil
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto c.
// Variable names follow the ones used by existing edge pop deployments.
func ApplyEnv(c *Configuration, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("TURSO_DATABASE_URL", &c.Primary.URL)
	str("TURSO_AUTH_TOKEN", &c.Primary.AuthToken)
	if err := num("TURSO_SYNC_INTERVAL", &c.Primary.SyncIntervalS); err != nil {
		return err
	}

	str("DB_FILEPATH", &c.Database.Path)

	str("PROXY_AUTH_TOKEN", &c.Server.AuthToken)
	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}

	// REGION wins over the platform provided FLY_REGION
	str("FLY_REGION", &c.Region)
	str("REGION", &c.Region)

	str("LOG_LEVEL", &c.Logging.Level)
	if v, ok := lookup("QUIET"); ok && v != "" {
		quiet, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid QUIET %q: %w", v, err)
		}
		c.Logging.Quiet = quiet
	}

	if v, ok := lookup("PUBSUB_BACKEND"); ok && v != "" {
		c.PubSub.Backend = PubSubBackend(strings.ToLower(v))
	}
	str("PUBSUB_URL", &c.PubSub.URL)
	if v, ok := lookup("PUBSUB_BROKERS"); ok && v != "" {
		c.PubSub.Brokers = strings.Split(v, ",")
	}
	str("PUBSUB_CHANNEL", &c.PubSub.Channel)
	if err := num("PUBSUB_DEBOUNCE_MS", &c.PubSub.DebounceMS); err != nil {
		return err
	}

	return nil
}

// generatePopID creates a stable pop ID based on machine ID
func generatePopID() (uint64, error) {
	id, err := machineid.ProtectedID("edgepop")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	if c.Primary.URL == "" {
		return fmt.Errorf("primary database URL is required")
	}
	if !strings.HasPrefix(c.PrimaryHTTPURL(), "http://") && !strings.HasPrefix(c.PrimaryHTTPURL(), "https://") {
		return fmt.Errorf("primary database URL must be http(s) or libsql: %s", c.Primary.URL)
	}
	if c.Primary.AuthToken == "" {
		return fmt.Errorf("primary auth token is required")
	}
	if c.Primary.SyncIntervalS < 1 {
		return fmt.Errorf("sync interval must be >= 1 second")
	}
	if c.Primary.ProxyTimeoutMS < 1 {
		return fmt.Errorf("proxy timeout must be >= 1ms")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Server.AuthToken == "" {
		return fmt.Errorf("server auth token is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.Port)
	}

	switch c.PubSub.Backend {
	case PubSubNone, PubSubMemory:
	case PubSubNATS:
		if c.PubSub.URL == "" {
			return fmt.Errorf("nats pub/sub requires url")
		}
	case PubSubKafka:
		if len(c.PubSub.Brokers) == 0 {
			return fmt.Errorf("kafka pub/sub requires at least one broker")
		}
	default:
		return fmt.Errorf("unknown pub/sub backend: %s", c.PubSub.Backend)
	}
	if c.PubSubEnabled() {
		if c.PubSub.Channel == "" {
			return fmt.Errorf("pub/sub channel is required")
		}
		if c.PubSub.DebounceMS < 0 {
			return fmt.Errorf("pub/sub debounce must be >= 0")
		}
	}

	if c.Classifier.CacheSize < 0 {
		return fmt.Errorf("classifier cache size must be >= 0")
	}

	return nil
}

// PubSubEnabled reports whether sibling fan-out is configured
func (c *Configuration) PubSubEnabled() bool {
	return c.PubSub.Backend != PubSubNone
}

// PrimaryHTTPURL returns the primary URL with a libsql:// scheme mapped to https://
func (c *Configuration) PrimaryHTTPURL() string {
	if rest, ok := strings.CutPrefix(c.Primary.URL, "libsql://"); ok {
		return "https://" + rest
	}
	return c.Primary.URL
}

// SyncInterval returns the periodic sync period
func (c *Configuration) SyncInterval() time.Duration {
	return time.Duration(c.Primary.SyncIntervalS) * time.Second
}

// Debounce returns the pub/sub debounce window
func (c *Configuration) Debounce() time.Duration {
	return time.Duration(c.PubSub.DebounceMS) * time.Millisecond
}

// ProxyTimeout returns the upper bound on a single origin call
func (c *Configuration) ProxyTimeout() time.Duration {
	return time.Duration(c.Primary.ProxyTimeoutMS) * time.Millisecond
}

// DumpTimeout returns the upper bound on a single snapshot download
func (c *Configuration) DumpTimeout() time.Duration {
	return time.Duration(c.Primary.DumpTimeoutS) * time.Second
}

// ListenAddress returns host:port for the HTTP server
func (c *Configuration) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}
