package config

import (
	"os"
	"time"
)

// AnonKeyEnv is read when realtime.api_key is not set.
const AnonKeyEnv = "SUPABASE_LOCAL_ANON_KEY"

// Default values for optional configuration fields.
const (
	DefaultRealtimeEndpoint   = "http://127.0.0.1:54321/realtime/v1"
	DefaultAuthEndpoint       = "http://127.0.0.1:54321/auth/v1"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultPushTimeout        = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultAuthID             = "test@example.com"
	DefaultAuthPassword       = "password"
	DefaultRefreshMargin      = 60 * time.Second
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultChannelTopic       = "test"
	DefaultChannelEvent       = "*"
	DefaultChannelSchema      = "public"
	DefaultChannelTable       = "todos"
	DefaultTickInterval       = 16 * time.Millisecond
	DefaultMaxPending         = 10000
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultChangelogTable     = "realtime_changes"
	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultRedisStream        = "realtime:changes"
	DefaultRedisMaxLen        = 100000
	DefaultNATSURL            = "nats://127.0.0.1:4222"
	DefaultNATSSubjectPrefix  = "realtime"
	DefaultHealthPort         = 9090
	DefaultMetricsPath        = "/metrics"
)

func (c *Config) applyDefaults() {
	// Realtime defaults
	if c.Realtime.Endpoint == "" {
		c.Realtime.Endpoint = DefaultRealtimeEndpoint
	}
	if c.Realtime.APIKey == "" {
		c.Realtime.APIKey = os.Getenv(AnonKeyEnv)
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Realtime.PushTimeout == 0 {
		c.Realtime.PushTimeout = DefaultPushTimeout
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Auth defaults
	if c.Auth.Endpoint == "" {
		c.Auth.Endpoint = DefaultAuthEndpoint
	}
	if c.Auth.ID == "" && c.Auth.Password == "" {
		c.Auth.ID = DefaultAuthID
		c.Auth.Password = DefaultAuthPassword
	}
	if c.Auth.RefreshMargin == 0 {
		c.Auth.RefreshMargin = DefaultRefreshMargin
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAPITimeout
	}
	if c.Auth.MaxRetries == 0 {
		c.Auth.MaxRetries = DefaultMaxRetries
	}

	// Channel defaults
	if len(c.Channels) == 0 {
		c.Channels = []ChannelConfig{{Topic: DefaultChannelTopic, Table: DefaultChannelTable}}
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Event == "" {
			ch.Event = DefaultChannelEvent
		}
		if ch.Schema == "" {
			ch.Schema = DefaultChannelSchema
		}
	}

	// App defaults
	if c.App.TickInterval == 0 {
		c.App.TickInterval = DefaultTickInterval
	}
	if c.App.MaxPending == 0 {
		c.App.MaxPending = DefaultMaxPending
	}

	// Sink defaults
	if c.Sinks.BatchSize == 0 {
		c.Sinks.BatchSize = DefaultBatchSize
	}
	if c.Sinks.FlushInterval == 0 {
		c.Sinks.FlushInterval = DefaultFlushInterval
	}
	if c.Sinks.BufferSize == 0 {
		c.Sinks.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Sinks.Postgres.Database)
	if c.Sinks.Postgres.Table == "" {
		c.Sinks.Postgres.Table = DefaultChangelogTable
	}
	if c.Sinks.Redis.Addr == "" {
		c.Sinks.Redis.Addr = DefaultRedisAddr
	}
	if c.Sinks.Redis.Stream == "" {
		c.Sinks.Redis.Stream = DefaultRedisStream
	}
	if c.Sinks.Redis.MaxLen == 0 {
		c.Sinks.Redis.MaxLen = DefaultRedisMaxLen
	}
	if c.Sinks.NATS.URL == "" {
		c.Sinks.NATS.URL = DefaultNATSURL
	}
	if c.Sinks.NATS.SubjectPrefix == "" {
		c.Sinks.NATS.SubjectPrefix = DefaultNATSSubjectPrefix
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.MetricsPath == "" {
		c.Health.MetricsPath = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
