package tunnel

import (
	"log/slog"
	"time"

	"github.com/driftlabs/tunnel/internal/health"
	"github.com/driftlabs/tunnel/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds each provider connect attempt.
	ConnectTimeout time.Duration

	// SendTimeout bounds each publish.
	SendTimeout time.Duration

	// SubscribeTimeout bounds each provider-level subscribe and
	// unsubscribe.
	SubscribeTimeout time.Duration

	// PingTimeout bounds each health probe.
	PingTimeout time.Duration

	// ReconnectBaseDelay and ReconnectMaxDelay pace reconnect
	// attempts: min(base*2^attempt + jitter, max), forever.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// PingInterval is the health probe cadence.
	PingInterval time.Duration

	// PresenceResyncInterval is the periodic full-sync cadence for
	// presence-capable providers. Zero disables periodic resync
	// (syncs still happen on every connect and switch).
	PresenceResyncInterval time.Duration

	// Cooldown is how long a failed or degraded provider is skipped
	// during candidate selection.
	Cooldown time.Duration

	// Health holds the degradation thresholds.
	Health health.Config

	// SenderID stamps outbound messages. Defaults to a random UUID
	// per manager.
	SenderID string

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives instrumentation. Nil disables it.
	Metrics *metrics.Metrics

	// Debug enables verbose logging of per-message activity.
	Debug bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:         10 * time.Second,
		SendTimeout:            5 * time.Second,
		SubscribeTimeout:       10 * time.Second,
		PingTimeout:            5 * time.Second,
		ReconnectBaseDelay:     1 * time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		PingInterval:           15 * time.Second,
		PresenceResyncInterval: 5 * time.Minute,
		Cooldown:               30 * time.Second,
		Health:                 health.DefaultConfig(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = def.SendTimeout
	}
	if o.SubscribeTimeout == 0 {
		o.SubscribeTimeout = def.SubscribeTimeout
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = def.PingTimeout
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if o.PingInterval == 0 {
		o.PingInterval = def.PingInterval
	}
	if o.Cooldown == 0 {
		o.Cooldown = def.Cooldown
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
