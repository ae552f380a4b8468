package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func validConfig() *Configuration {
	c := Default()
	c.Primary.URL = "https://db-example.turso.io"
	c.Primary.AuthToken = "eyPrimary"
	c.Server.AuthToken = "secret"
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_Required(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"missing primary url", func(c *Configuration) { c.Primary.URL = "" }},
		{"unsupported primary scheme", func(c *Configuration) { c.Primary.URL = "ws://db.turso.io" }},
		{"missing primary token", func(c *Configuration) { c.Primary.AuthToken = "" }},
		{"missing server token", func(c *Configuration) { c.Server.AuthToken = "" }},
		{"missing db path", func(c *Configuration) { c.Database.Path = "" }},
		{"zero sync interval", func(c *Configuration) { c.Primary.SyncIntervalS = 0 }},
		{"zero proxy timeout", func(c *Configuration) { c.Primary.ProxyTimeoutMS = 0 }},
		{"negative cache", func(c *Configuration) { c.Classifier.CacheSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestPrimaryHTTPURL(t *testing.T) {
	c := validConfig()
	c.Primary.URL = "libsql://db-example.turso.io"
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected libsql URL to validate, got: %v", err)
	}
	if got := c.PrimaryHTTPURL(); got != "https://db-example.turso.io" {
		t.Errorf("Expected https mapping, got %s", got)
	}

	c.Primary.URL = "http://127.0.0.1:8080"
	if got := c.PrimaryHTTPURL(); got != c.Primary.URL {
		t.Errorf("Expected URL unchanged, got %s", got)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	for _, port := range []int{-1, 0, 70000} {
		c := validConfig()
		c.Server.Port = port
		if err := c.Validate(); err == nil {
			t.Errorf("Expected error for invalid port %d", port)
		}
	}
}

func TestValidate_PubSub(t *testing.T) {
	c := validConfig()
	c.PubSub.Backend = PubSubNATS
	if err := c.Validate(); err == nil {
		t.Error("Expected error for nats without url")
	}
	c.PubSub.URL = "nats://127.0.0.1:4222"
	if err := c.Validate(); err != nil {
		t.Errorf("Expected nats config to validate, got: %v", err)
	}

	c = validConfig()
	c.PubSub.Backend = PubSubKafka
	if err := c.Validate(); err == nil {
		t.Error("Expected error for kafka without brokers")
	}

	c = validConfig()
	c.PubSub.Backend = "redis"
	if err := c.Validate(); err == nil {
		t.Error("Expected error for unknown backend")
	}

	c = validConfig()
	c.PubSub.Backend = PubSubMemory
	c.PubSub.Channel = ""
	if err := c.Validate(); err == nil {
		t.Error("Expected error for empty channel")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TURSO_DATABASE_URL":  "https://db.turso.io",
		"TURSO_AUTH_TOKEN":    "eyToken",
		"TURSO_SYNC_INTERVAL": "15",
		"DB_FILEPATH":         "/tmp/local.db",
		"PROXY_AUTH_TOKEN":    "client-token",
		"PORT":                "8080",
		"FLY_REGION":          "ams",
		"LOG_LEVEL":           "debug",
		"QUIET":               "true",
		"PUBSUB_BACKEND":      "NATS",
		"PUBSUB_URL":          "nats://localhost:4222",
		"PUBSUB_CHANNEL":      "sync-chan",
		"PUBSUB_DEBOUNCE_MS":  "250",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	if err := ApplyEnv(c, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if c.Primary.URL != "https://db.turso.io" || c.Primary.AuthToken != "eyToken" {
		t.Errorf("primary not applied: %+v", c.Primary)
	}
	if c.SyncInterval() != 15*time.Second {
		t.Errorf("expected 15s sync interval, got %v", c.SyncInterval())
	}
	if c.Database.Path != "/tmp/local.db" {
		t.Errorf("expected db path override, got %s", c.Database.Path)
	}
	if c.Server.AuthToken != "client-token" || c.Server.Port != 8080 {
		t.Errorf("server not applied: %+v", c.Server)
	}
	if c.Region != "ams" {
		t.Errorf("expected FLY_REGION fallback, got %s", c.Region)
	}
	if !c.Logging.Quiet || c.Logging.Level != "debug" {
		t.Errorf("logging not applied: %+v", c.Logging)
	}
	if c.PubSub.Backend != PubSubNATS || c.Debounce() != 250*time.Millisecond {
		t.Errorf("pubsub not applied: %+v", c.PubSub)
	}

	env["REGION"] = "fra"
	if err := ApplyEnv(c, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if c.Region != "fra" {
		t.Errorf("expected REGION to win over FLY_REGION, got %s", c.Region)
	}
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "PORT" {
			return "abc", true
		}
		return "", false
	}
	if err := ApplyEnv(Default(), lookup); err == nil {
		t.Error("Expected error for non numeric PORT")
	}
}

func TestDecodeTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgepop.toml")
	content := `
region = "sin"

[primary]
url = "https://db.turso.io"
auth_token = "eyToken"
sync_interval_seconds = 30

[pubsub]
backend = "kafka"
brokers = ["k1:9092", "k2:9092"]
channel = "pops"
debounce_ms = 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if c.Region != "sin" || c.Primary.SyncIntervalS != 30 {
		t.Errorf("unexpected decode result: %+v", c)
	}
	if c.PubSub.Backend != PubSubKafka || len(c.PubSub.Brokers) != 2 {
		t.Errorf("unexpected pubsub: %+v", c.PubSub)
	}
	// Untouched sections keep defaults
	if c.Server.Port != 3000 {
		t.Errorf("expected default port, got %d", c.Server.Port)
	}
}
