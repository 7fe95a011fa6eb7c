// Package config loads dashsync settings from an optional YAML file and
// DASHSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/dashsync/internal/protocol"
	"github.com/agentworkforce/dashsync/internal/resources"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	SocketURL         string        `yaml:"socket_url"`
	APIURL            string        `yaml:"api_url"`
	Token             string        `yaml:"token"`
	WorkspaceID       string        `yaml:"workspace_id"`
	UserID            string        `yaml:"user_id"`
	Role              string        `yaml:"role"`
	Codec             string        `yaml:"codec"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	OutboxCapacity    int           `yaml:"outbox_capacity"`
	OutboxDSN         string        `yaml:"outbox_dsn"`
	PreferencesDSN    string        `yaml:"preferences_dsn"`
	NotificationLimit int           `yaml:"notification_limit"`
	Tombstones        string        `yaml:"tombstones"`
	Ordering          string        `yaml:"ordering"`
	ResyncOnReconnect bool          `yaml:"resync_on_reconnect"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
}

func Default() Config {
	return Config{
		SocketURL:         "ws://localhost:8000/ws",
		APIURL:            "http://localhost:8000",
		Codec:             "json",
		ReconnectDelay:    3 * time.Second,
		PingInterval:      30 * time.Second,
		OutboxCapacity:    256,
		OutboxDSN:         "memory://",
		PreferencesDSN:    "file://.dashsync/prefs.json",
		NotificationLimit: 100,
		Tombstones:        "strict",
		Ordering:          "arrival",
		ResyncOnReconnect: true,
		HTTPTimeout:       15 * time.Second,
	}
}

// Load applies defaults, then the YAML file at path (skipped when path is
// empty), then the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	c.SocketURL = envOrDefault("DASHSYNC_SOCKET_URL", c.SocketURL)
	c.APIURL = envOrDefault("DASHSYNC_API_URL", c.APIURL)
	c.Token = envOrDefault("DASHSYNC_TOKEN", c.Token)
	c.WorkspaceID = envOrDefault("DASHSYNC_WORKSPACE_ID", c.WorkspaceID)
	c.UserID = envOrDefault("DASHSYNC_USER_ID", c.UserID)
	c.Role = envOrDefault("DASHSYNC_ROLE", c.Role)
	c.Codec = envOrDefault("DASHSYNC_CODEC", c.Codec)
	c.ReconnectDelay = durationEnv("DASHSYNC_RECONNECT_DELAY", c.ReconnectDelay)
	c.PingInterval = durationEnv("DASHSYNC_PING_INTERVAL", c.PingInterval)
	c.OutboxCapacity = intEnv("DASHSYNC_OUTBOX_CAPACITY", c.OutboxCapacity)
	c.OutboxDSN = envOrDefault("DASHSYNC_OUTBOX_DSN", c.OutboxDSN)
	c.PreferencesDSN = envOrDefault("DASHSYNC_PREFERENCES_DSN", c.PreferencesDSN)
	c.NotificationLimit = intEnv("DASHSYNC_NOTIFICATION_LIMIT", c.NotificationLimit)
	c.Tombstones = envOrDefault("DASHSYNC_TOMBSTONES", c.Tombstones)
	c.Ordering = envOrDefault("DASHSYNC_ORDERING", c.Ordering)
	c.ResyncOnReconnect = boolEnv("DASHSYNC_RESYNC_ON_RECONNECT", c.ResyncOnReconnect)
	c.HTTPTimeout = durationEnv("DASHSYNC_HTTP_TIMEOUT", c.HTTPTimeout)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.SocketURL) == "" {
		problems = append(problems, "socket_url is required")
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		problems = append(problems, err.Error())
	}
	if c.ReconnectDelay <= 0 {
		problems = append(problems, "reconnect_delay must be positive")
	}
	if c.PingInterval <= 0 {
		problems = append(problems, "ping_interval must be positive")
	}
	if c.OutboxCapacity <= 0 {
		problems = append(problems, "outbox_capacity must be positive")
	}
	if c.NotificationLimit <= 0 {
		problems = append(problems, "notification_limit must be positive")
	}
	if c.HTTPTimeout <= 0 {
		problems = append(problems, "http_timeout must be positive")
	}
	if _, err := c.Policy(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Policy resolves the tombstone and ordering names.
func (c Config) Policy() (resources.Policy, error) {
	tombstones, err := resources.ParseTombstoneMode(c.Tombstones)
	if err != nil {
		return resources.Policy{}, err
	}
	ordering, err := resources.ParseOrdering(c.Ordering)
	if err != nil {
		return resources.Policy{}, err
	}
	return resources.Policy{Tombstones: tombstones, Ordering: ordering}, nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
