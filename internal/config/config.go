package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/chorus/internal/transcript"
)

type Config struct {
	Port           int
	NatsURL        string
	NatsToken      string
	DatabaseURL    string
	SQLitePath     string
	LogLevel       string
	APIToken       string
	InboundSubject string
	DedupWindow    time.Duration
	PolicyFile     string
}

func Load() Config {
	return Config{
		Port:           envInt("CHORUS_PORT", 8760),
		NatsURL:        envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:      envStr("NATS_TOKEN", ""),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		SQLitePath:     envStr("CHORUS_SQLITE_PATH", ""),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		APIToken:       envStr("CHORUS_API_TOKEN", ""),
		InboundSubject: envStr("CHORUS_INBOUND_SUBJECT", "swarm.orchestrator.event"),
		DedupWindow:    envDuration("CHORUS_DEDUP_WINDOW", 5*time.Second),
		PolicyFile:     envStr("CHORUS_POLICY_FILE", ""),
	}
}

// StoreBackend names the event store the config selects.
func (c Config) StoreBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// Policy builds the reconciliation policy: defaults, then the env window,
// then any keys present in the policy file.
func (c Config) Policy() (transcript.Policy, error) {
	p := transcript.DefaultPolicy()
	p.DedupWindow = c.DedupWindow
	if c.PolicyFile == "" {
		return p, nil
	}
	return LoadPolicy(c.PolicyFile, p)
}

// LoadPolicy overlays the YAML file at path onto base. Keys missing from the
// file keep their base value.
func LoadPolicy(path string, base transcript.Policy) (transcript.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy file: %w", err)
	}
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.DedupWindow < 0 {
		return base, fmt.Errorf("parse policy file %s: negative dedup_window", path)
	}
	return p, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}
