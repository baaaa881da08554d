package config

import (
	"errors"
	"fmt"
)

// Known provider types.
const (
	ProviderWebSocket = "websocket"
	ProviderSSE       = "sse"
	ProviderPostgres  = "postgres"
	ProviderLongPoll  = "longpoll"
)

// Validate checks that all required fields are set and values are valid.
func (c *TunnelConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.validate(fmt.Sprintf("providers[%d]", i)); err != nil {
			return err
		}
		if seen[p.Type] {
			return fmt.Errorf("providers[%d]: duplicate type %q", i, p.Type)
		}
		seen[p.Type] = true
	}

	if c.Health.WindowSize < 1 {
		return errors.New("health.window_size must be >= 1")
	}
	if c.Health.ErrorRate <= 0 || c.Health.ErrorRate > 1 {
		return fmt.Errorf("health.error_rate must be in (0, 1], got %g", c.Health.ErrorRate)
	}
	if c.Health.Breaches < 1 {
		return errors.New("health.breaches must be >= 1")
	}

	for i, r := range c.Timing.Rules {
		if r.RoutePrefix == "" {
			return fmt.Errorf("timing.rules[%d].route_prefix is required", i)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (p *ProviderConfig) validate(prefix string) error {
	switch p.Type {
	case ProviderWebSocket, ProviderSSE, ProviderLongPoll:
		if p.URL == "" {
			return fmt.Errorf("%s.url is required for type %q", prefix, p.Type)
		}
	case ProviderPostgres:
		return p.validateDB(prefix)
	default:
		return fmt.Errorf("%s.type must be one of websocket, sse, postgres, longpoll; got %q", prefix, p.Type)
	}
	return nil
}

func (p *ProviderConfig) validateDB(prefix string) error {
	db := p.Database
	if db.Host == "" {
		return fmt.Errorf("%s.database.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.database.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.database.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.database.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.database.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.database.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
