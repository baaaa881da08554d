// Package health measures provider round-trip latency and detects
// degradation.
//
// Samples are ring-buffered per provider; a provider is degraded when
// its rolling latency or ping error rate crosses the configured
// thresholds for enough consecutive probes. The monitor only
// measures; acting on degradation (failover) is the transport
// manager's job.
package health

import (
	"sync"
	"time"
)

// Sample is one round-trip measurement. Failed pings record
// Timeout=true with zero latency.
type Sample struct {
	Provider  string
	Latency   time.Duration
	SampledAt time.Time
	Timeout   bool
}

// Snapshot is the rolling view of one provider's health.
type Snapshot struct {
	Provider       string
	RollingLatency time.Duration // mean over the window, successful pings only
	ErrorRate      float64       // timeouts / window
	SampleCount    int
	Degraded       bool
	LastSample     Sample
}

// Config holds degradation thresholds. All fields are tunable; the
// zero value is filled from DefaultConfig.
type Config struct {
	WindowSize       int           // samples per provider ring
	LatencyThreshold time.Duration // rolling latency above this is a breach
	ErrorRate        float64       // rolling error rate above this is a breach
	Breaches         int           // consecutive breaches before degraded
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		LatencyThreshold: 750 * time.Millisecond,
		ErrorRate:        0.5,
		Breaches:         3,
	}
}

// ring is a fixed-size sample window for one provider.
type ring struct {
	samples  []Sample
	next     int
	filled   bool
	breaches int // consecutive threshold breaches
}

// Monitor holds rolling windows for every provider that has been
// probed.
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	rings map[string]*ring
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = def.LatencyThreshold
	}
	if cfg.ErrorRate <= 0 {
		cfg.ErrorRate = def.ErrorRate
	}
	if cfg.Breaches <= 0 {
		cfg.Breaches = def.Breaches
	}
	return &Monitor{
		cfg:   cfg,
		rings: make(map[string]*ring),
	}
}

// Record adds one sample and returns the updated snapshot for the
// sample's provider.
func (m *Monitor) Record(s Sample) Snapshot {
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[s.Provider]
	if !ok {
		r = &ring{samples: make([]Sample, m.cfg.WindowSize)}
		m.rings[s.Provider] = r
	}

	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}

	snap := m.snapshotLocked(s.Provider, r)
	snap.LastSample = s

	breach := s.Timeout || s.Latency > m.cfg.LatencyThreshold ||
		snap.RollingLatency > m.cfg.LatencyThreshold || snap.ErrorRate > m.cfg.ErrorRate
	if breach {
		r.breaches++
	} else {
		r.breaches = 0
	}
	snap.Degraded = r.breaches >= m.cfg.Breaches

	return snap
}

// Snapshot returns the rolling view for a provider without recording.
func (m *Monitor) Snapshot(providerID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[providerID]
	if !ok {
		return Snapshot{Provider: providerID}
	}
	snap := m.snapshotLocked(providerID, r)
	snap.Degraded = r.breaches >= m.cfg.Breaches
	return snap
}

// Reset clears the window and breach count for a provider, used after
// a successful reconnect so stale samples do not re-trigger failover.
func (m *Monitor) Reset(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, providerID)
}

func (m *Monitor) snapshotLocked(providerID string, r *ring) Snapshot {
	count := r.next
	if r.filled {
		count = len(r.samples)
	}

	var (
		totalLatency time.Duration
		okCount      int
		timeouts     int
	)
	for i := 0; i < count; i++ {
		s := r.samples[i]
		if s.Timeout {
			timeouts++
			continue
		}
		totalLatency += s.Latency
		okCount++
	}

	snap := Snapshot{
		Provider:    providerID,
		SampleCount: count,
	}
	if okCount > 0 {
		snap.RollingLatency = totalLatency / time.Duration(okCount)
	}
	if count > 0 {
		snap.ErrorRate = float64(timeouts) / float64(count)
	}
	return snap
}
