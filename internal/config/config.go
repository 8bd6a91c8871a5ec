package config

import "time"

// Config is the root configuration for a realtime bridge instance.
type Config struct {
	Realtime RealtimeConfig  `yaml:"realtime"`
	Auth     AuthConfig      `yaml:"auth"`
	Channels []ChannelConfig `yaml:"channels"`
	App      AppConfig       `yaml:"app"`
	Sinks    SinksConfig     `yaml:"sinks"`
	Health   HealthConfig    `yaml:"health"`
}

// RealtimeConfig holds realtime socket settings.
type RealtimeConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	APIKey             string        `yaml:"api_key"` // anonymous key, usually ${SUPABASE_LOCAL_ANON_KEY}
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PushTimeout        time.Duration `yaml:"push_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// AuthConfig holds auth service settings and the sign-in credentials.
type AuthConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	ID            string        `yaml:"id"` // email or phone
	Password      string        `yaml:"password"`
	JWTSecret     string        `yaml:"jwt_secret"` // optional; enables token signature checks
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// ChannelConfig is one postgres_changes subscription.
type ChannelConfig struct {
	Topic  string `yaml:"topic"`
	Event  string `yaml:"event"` // *, INSERT, UPDATE or DELETE
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	Filter string `yaml:"filter"` // e.g. id=eq.1
}

// AppConfig holds the per-tick application loop settings.
type AppConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxPending   int           `yaml:"max_pending"` // events kept between ticks before the oldest is dropped
}

// SinksConfig holds change fan-out settings. Each sink is off unless enabled.
type SinksConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`

	Postgres PostgresSinkConfig `yaml:"postgres"`
	Redis    RedisSinkConfig    `yaml:"redis"`
	NATS     NATSSinkConfig     `yaml:"nats"`
}

// PostgresSinkConfig writes changes to a changelog table.
type PostgresSinkConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Database DBConfig `yaml:"database"`
	Table    string   `yaml:"table"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisSinkConfig appends changes to a redis stream.
type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// NATSSinkConfig publishes changes on NATS subjects.
type NATSSinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HealthConfig holds the health and metrics HTTP server settings.
type HealthConfig struct {
	Disabled    bool   `yaml:"disabled"`
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}
