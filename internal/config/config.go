package config

import (
	"time"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider/pg"
)

// TunnelConfig is the root configuration for a tunnel instance.
type TunnelConfig struct {
	Instance  InstanceConfig   `yaml:"instance"`
	Providers []ProviderConfig `yaml:"providers"`
	Manager   ManagerConfig    `yaml:"manager"`
	Health    HealthConfig     `yaml:"health"`
	Timing    TimingConfig     `yaml:"timing"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this tunnel instance.
type InstanceConfig struct {
	ID    string `yaml:"id"`
	Debug bool   `yaml:"debug"`
}

// ProviderConfig declares one transport candidate. List order is
// priority order: the first entry is tried first.
type ProviderConfig struct {
	Type string `yaml:"type"` // websocket, sse, postgres or longpoll

	// URL and Token apply to the HTTP-based transports.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Database applies to the postgres transport.
	Database pg.DBConfig `yaml:"database"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BufferSize     int           `yaml:"buffer_size"`
}

// ManagerConfig holds transport manager settings.
type ManagerConfig struct {
	SenderID               string        `yaml:"sender_id"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	SendTimeout            time.Duration `yaml:"send_timeout"`
	SubscribeTimeout       time.Duration `yaml:"subscribe_timeout"`
	PingTimeout            time.Duration `yaml:"ping_timeout"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	ReconnectBaseDelay     time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay      time.Duration `yaml:"reconnect_max_delay"`
	PresenceResyncInterval time.Duration `yaml:"presence_resync_interval"`
	Cooldown               time.Duration `yaml:"cooldown"`
}

// HealthConfig holds degradation thresholds.
type HealthConfig struct {
	WindowSize       int           `yaml:"window_size"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	ErrorRate        float64       `yaml:"error_rate"`
	Breaches         int           `yaml:"breaches"`
}

// TimingConfig holds connection timing strategy settings.
type TimingConfig struct {
	DesktopDelay time.Duration      `yaml:"desktop_delay"`
	MobileDelay  time.Duration      `yaml:"mobile_delay"`
	Rules        []TimingRuleConfig `yaml:"rules"`
}

// TimingRuleConfig overrides connect timing for one route prefix.
type TimingRuleConfig struct {
	RoutePrefix  string        `yaml:"route_prefix"`
	AutoConnect  *bool         `yaml:"auto_connect"`
	DesktopDelay time.Duration `yaml:"desktop_delay"`
	MobileDelay  time.Duration `yaml:"mobile_delay"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
