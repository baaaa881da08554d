// Package timing decides whether and when the tunnel should
// auto-connect for a given device class and route.
//
// Some routes need no realtime data at all; mobile devices defer the
// connect so it does not compete with initial page load. The strategy
// holds no connection logic — it only schedules a call to connect.
package timing

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DeviceClass distinguishes connection timing profiles.
type DeviceClass int

const (
	Desktop DeviceClass = iota
	Mobile
)

// String returns the lowercase device class name.
func (d DeviceClass) String() string {
	if d == Mobile {
		return "mobile"
	}
	return "desktop"
}

// ParseDeviceClass maps a config/user-agent string to a device class.
// Unknown values fall back to desktop.
func ParseDeviceClass(s string) DeviceClass {
	if strings.EqualFold(s, "mobile") {
		return Mobile
	}
	return Desktop
}

// Rule overrides the default decision for routes under a prefix. The
// longest matching prefix wins.
type Rule struct {
	RoutePrefix  string
	AutoConnect  bool
	DesktopDelay time.Duration
	MobileDelay  time.Duration
}

// Decision is the outcome for one (device, route) pair.
type Decision struct {
	AutoConnect bool
	Delay       time.Duration
}

// Config holds the strategy defaults applied when no rule matches.
type Config struct {
	AutoConnect  bool
	DesktopDelay time.Duration
	MobileDelay  time.Duration
	Rules        []Rule
}

// DefaultConfig returns sensible defaults: connect everywhere,
// desktop near-immediately, mobile after page load has settled.
func DefaultConfig() Config {
	return Config{
		AutoConnect:  true,
		DesktopDelay: 500 * time.Millisecond,
		MobileDelay:  3 * time.Second,
	}
}

// Strategy decides auto-connect behavior. Immutable after creation.
type Strategy struct {
	cfg   Config
	rules []Rule // sorted by prefix length, longest first
}

// NewStrategy creates a strategy from config.
func NewStrategy(cfg Config) *Strategy {
	def := DefaultConfig()
	if cfg.DesktopDelay == 0 {
		cfg.DesktopDelay = def.DesktopDelay
	}
	if cfg.MobileDelay == 0 {
		cfg.MobileDelay = def.MobileDelay
	}

	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].RoutePrefix) > len(rules[j].RoutePrefix)
	})

	return &Strategy{cfg: cfg, rules: rules}
}

// Decide returns the auto-connect decision for a device on a route.
func (s *Strategy) Decide(device DeviceClass, route string) Decision {
	for _, r := range s.rules {
		if strings.HasPrefix(route, r.RoutePrefix) {
			return Decision{
				AutoConnect: r.AutoConnect,
				Delay:       s.delayFor(device, r.DesktopDelay, r.MobileDelay),
			}
		}
	}
	return Decision{
		AutoConnect: s.cfg.AutoConnect,
		Delay:       s.delayFor(device, s.cfg.DesktopDelay, s.cfg.MobileDelay),
	}
}

func (s *Strategy) delayFor(device DeviceClass, desktop, mobile time.Duration) time.Duration {
	if device == Mobile {
		if mobile > 0 {
			return mobile
		}
		return s.cfg.MobileDelay
	}
	if desktop > 0 {
		return desktop
	}
	return s.cfg.DesktopDelay
}

// Schedule arms a timer that invokes connect per the decision for the
// given device and route. The returned cancel stops a pending timer;
// it is safe to call more than once. When the decision is not to
// auto-connect, connect is never invoked (the caller keeps the manual
// escape hatch of calling it directly).
func (s *Strategy) Schedule(device DeviceClass, route string, connect func()) (cancel func()) {
	d := s.Decide(device, route)
	if !d.AutoConnect {
		return func() {}
	}

	timer := time.AfterFunc(d.Delay, connect)

	var once sync.Once
	return func() {
		once.Do(func() { timer.Stop() })
	}
}
