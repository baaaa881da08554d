package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout         = 10 * time.Second
	DefaultSendTimeout            = 5 * time.Second
	DefaultSubscribeTimeout       = 10 * time.Second
	DefaultPingTimeout            = 5 * time.Second
	DefaultPingInterval           = 15 * time.Second
	DefaultReconnectBaseDelay     = 1 * time.Second
	DefaultReconnectMaxDelay      = 60 * time.Second
	DefaultPresenceResyncInterval = 5 * time.Minute
	DefaultCooldown               = 30 * time.Second

	DefaultProviderConnectTimeout = 10 * time.Second
	DefaultProviderRequestTimeout = 10 * time.Second
	DefaultProviderBufferSize     = 1000

	DefaultHealthWindowSize       = 10
	DefaultHealthLatencyThreshold = 750 * time.Millisecond
	DefaultHealthErrorRate        = 0.5
	DefaultHealthBreaches         = 3

	DefaultDesktopDelay = 500 * time.Millisecond
	DefaultMobileDelay  = 3 * time.Second

	DefaultDBPort     = 5432
	DefaultDBSSLMode  = "prefer"
	DefaultDBMaxConns = 10
	DefaultDBMinConns = 2

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

func (c *TunnelConfig) applyDefaults() {
	// Manager defaults
	if c.Manager.ConnectTimeout == 0 {
		c.Manager.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Manager.SendTimeout == 0 {
		c.Manager.SendTimeout = DefaultSendTimeout
	}
	if c.Manager.SubscribeTimeout == 0 {
		c.Manager.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Manager.PingTimeout == 0 {
		c.Manager.PingTimeout = DefaultPingTimeout
	}
	if c.Manager.PingInterval == 0 {
		c.Manager.PingInterval = DefaultPingInterval
	}
	if c.Manager.ReconnectBaseDelay == 0 {
		c.Manager.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Manager.ReconnectMaxDelay == 0 {
		c.Manager.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Manager.PresenceResyncInterval == 0 {
		c.Manager.PresenceResyncInterval = DefaultPresenceResyncInterval
	}
	if c.Manager.Cooldown == 0 {
		c.Manager.Cooldown = DefaultCooldown
	}

	// Provider defaults
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = DefaultProviderConnectTimeout
		}
		if p.RequestTimeout == 0 {
			p.RequestTimeout = DefaultProviderRequestTimeout
		}
		if p.BufferSize == 0 {
			p.BufferSize = DefaultProviderBufferSize
		}
		if p.Type == ProviderPostgres {
			applyDBDefaults(p)
		}
	}

	// Health defaults
	if c.Health.WindowSize == 0 {
		c.Health.WindowSize = DefaultHealthWindowSize
	}
	if c.Health.LatencyThreshold == 0 {
		c.Health.LatencyThreshold = DefaultHealthLatencyThreshold
	}
	if c.Health.ErrorRate == 0 {
		c.Health.ErrorRate = DefaultHealthErrorRate
	}
	if c.Health.Breaches == 0 {
		c.Health.Breaches = DefaultHealthBreaches
	}

	// Timing defaults
	if c.Timing.DesktopDelay == 0 {
		c.Timing.DesktopDelay = DefaultDesktopDelay
	}
	if c.Timing.MobileDelay == 0 {
		c.Timing.MobileDelay = DefaultMobileDelay
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(p *ProviderConfig) {
	if p.Database.Port == 0 {
		p.Database.Port = DefaultDBPort
	}
	if p.Database.SSLMode == "" {
		p.Database.SSLMode = DefaultDBSSLMode
	}
	if p.Database.MaxConns == 0 {
		p.Database.MaxConns = DefaultDBMaxConns
	}
	if p.Database.MinConns == 0 {
		p.Database.MinConns = DefaultDBMinConns
	}
}
