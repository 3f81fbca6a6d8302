// Package config loads the device's static configuration.
//
// The connection role is an explicit configuration value, never inferred
// from the platform: exactly one device per venue is configured as the
// relay, everything else is a client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tillworks/tillsync/internal/event"
)

// Roles a device can be configured as.
const (
	RoleRelay  = "relay"
	RoleClient = "client"
)

// Config is the top-level configuration file.
type Config struct {
	Role     string         `yaml:"role"`
	Database DatabaseConfig `yaml:"database"`
	Identity IdentityConfig `yaml:"identity"`
	Listen   ListenConfig   `yaml:"listen"`
	Relay    RelayConfig    `yaml:"relay"`
	Sync     SyncConfig     `yaml:"sync"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig is the device/user/venue identity bootstrap. All fields
// are mandatory: events cannot be created without full provenance.
type IdentityConfig struct {
	DeviceID string `yaml:"deviceId"`
	UserID   string `yaml:"userId"`
	VenueID  string `yaml:"venueId"`
	RelayID  string `yaml:"relayId"`
}

// ListenConfig is the relay's listening socket.
type ListenConfig struct {
	Port int `yaml:"port"`
}

// RelayConfig is where a client finds its relay.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Duration is a time.Duration that yaml decodes from Go duration strings
// ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SyncConfig tunes the sync engine.
//
// PushInterval controls how often a connected client re-scans its outbox
// for pending events. An explicit zero disables the periodic scan
// entirely, leaving delivery to explicit pushes; only an omitted value
// gets the default. There is no per-event retry/backoff; an
// unacknowledged event simply goes out again on the next scan.
type SyncConfig struct {
	PushInterval      *Duration `yaml:"pushInterval"`
	HeartbeatInterval Duration  `yaml:"heartbeatInterval"`
	RetentionDays     int       `yaml:"retentionDays"`
}

// Defaults applied by Load when the file omits a value.
const (
	DefaultPushInterval      = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetentionDays     = 30
	DefaultPort              = 7465
)

// Load reads a YAML config file. The TILLSYNC_DB environment variable, if
// set, overrides the database path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if db := os.Getenv("TILLSYNC_DB"); db != "" {
		cfg.Database.Path = db
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	// nil means the key was omitted; an explicit zero disables the scan
	// and must survive.
	if c.Sync.PushInterval == nil {
		d := Duration(DefaultPushInterval)
		c.Sync.PushInterval = &d
	}
	if c.Sync.HeartbeatInterval == 0 {
		c.Sync.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = DefaultRetentionDays
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = DefaultPort
	}
	// The relay is its own authority.
	if c.Role == RoleRelay && c.Identity.RelayID == "" {
		c.Identity.RelayID = c.Identity.DeviceID
	}
}

// Validate checks role and identity. Identity failures are precondition
// violations: no event may ever be created without them.
func (c *Config) Validate() error {
	if c.Role != RoleRelay && c.Role != RoleClient {
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleRelay, RoleClient)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.EventIdentity().Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if c.Role == RoleClient && c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required for client role")
	}
	return nil
}

// IsRelay reports whether this device is the venue's authority.
func (c *Config) IsRelay() bool {
	return c.Role == RoleRelay
}

// EventIdentity converts the configured identity into the provenance
// stamped onto events.
func (c *Config) EventIdentity() event.Identity {
	return event.Identity{
		DeviceID: c.Identity.DeviceID,
		UserID:   c.Identity.UserID,
		VenueID:  c.Identity.VenueID,
		RelayID:  c.Identity.RelayID,
	}
}
