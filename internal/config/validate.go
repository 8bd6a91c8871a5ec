package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// ErrMissingAPIKey is returned when no anonymous key is configured.
var ErrMissingAPIKey = fmt.Errorf("realtime.api_key is required (set %s)", AnonKeyEnv)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Realtime.APIKey == "" {
		return ErrMissingAPIKey
	}
	if err := validateEndpoint("realtime.endpoint", c.Realtime.Endpoint); err != nil {
		return err
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return errors.New("realtime.heartbeat_interval must be > 0")
	}
	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return fmt.Errorf("realtime.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.Realtime.ReconnectMaxDelay, c.Realtime.ReconnectBaseDelay)
	}

	if err := validateEndpoint("auth.endpoint", c.Auth.Endpoint); err != nil {
		return err
	}
	if c.Auth.ID != "" && c.Auth.Password == "" {
		return errors.New("auth.password is required when auth.id is set")
	}
	if c.Auth.MaxRetries < 1 {
		return errors.New("auth.max_retries must be >= 1")
	}

	topics := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.Topic == "" {
			return fmt.Errorf("%s.topic is required", prefix)
		}
		if topics[ch.Topic] {
			return fmt.Errorf("%s.topic %q is duplicated", prefix, ch.Topic)
		}
		topics[ch.Topic] = true
		if _, err := protocol.ParsePostgresChangesEvent(ch.Event); err != nil {
			return fmt.Errorf("%s.event: %w", prefix, err)
		}
		if ch.Schema == "" {
			return fmt.Errorf("%s.schema is required", prefix)
		}
	}

	if c.App.TickInterval <= 0 {
		return errors.New("app.tick_interval must be > 0")
	}
	if c.App.MaxPending < 1 {
		return errors.New("app.max_pending must be >= 1")
	}

	if c.Sinks.BatchSize < 1 {
		return errors.New("sinks.batch_size must be >= 1")
	}
	if c.Sinks.BufferSize < c.Sinks.BatchSize {
		return fmt.Errorf("sinks.buffer_size (%d) cannot be less than batch_size (%d)", c.Sinks.BufferSize, c.Sinks.BatchSize)
	}
	if c.Sinks.Postgres.Enabled {
		if err := c.Sinks.Postgres.Database.validate("sinks.postgres.database"); err != nil {
			return err
		}
	}
	if c.Sinks.Redis.Enabled && c.Sinks.Redis.Stream == "" {
		return errors.New("sinks.redis.stream is required")
	}
	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return errors.New("sinks.nats.url is required")
	}

	if !c.Health.Disabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

// AnySinkEnabled reports whether changes are fanned out anywhere.
func (c *Config) AnySinkEnabled() bool {
	return c.Sinks.Postgres.Enabled || c.Sinks.Redis.Enabled || c.Sinks.NATS.Enabled
}

func validateEndpoint(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s must be an http(s) or ws(s) URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
