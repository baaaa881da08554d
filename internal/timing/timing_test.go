package timing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestParseDeviceClass(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceClass
	}{
		{"mobile", Mobile},
		{"Mobile", Mobile},
		{"desktop", Desktop},
		{"", Desktop},
		{"tablet", Desktop},
	}
	for _, tt := range tests {
		if got := ParseDeviceClass(tt.in); got != tt.want {
			t.Errorf("ParseDeviceClass(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecideDefaults(t *testing.T) {
	s := NewStrategy(Config{AutoConnect: true})

	d := s.Decide(Desktop, "/dashboard")
	if !d.AutoConnect || d.Delay != 500*time.Millisecond {
		t.Errorf("desktop decision = %+v, want auto with 500ms delay", d)
	}

	d = s.Decide(Mobile, "/dashboard")
	if !d.AutoConnect || d.Delay != 3*time.Second {
		t.Errorf("mobile decision = %+v, want auto with 3s delay", d)
	}
}

func TestDecideRuleOverride(t *testing.T) {
	s := NewStrategy(Config{
		AutoConnect: true,
		Rules: []Rule{
			{RoutePrefix: "/settings", AutoConnect: false},
			{RoutePrefix: "/chat", AutoConnect: true, DesktopDelay: 50 * time.Millisecond, MobileDelay: time.Second},
		},
	})

	if d := s.Decide(Desktop, "/settings/profile"); d.AutoConnect {
		t.Errorf("settings route should not auto-connect, got %+v", d)
	}
	if d := s.Decide(Desktop, "/chat/room/7"); d.Delay != 50*time.Millisecond {
		t.Errorf("chat desktop delay = %v, want 50ms", d.Delay)
	}
	if d := s.Decide(Mobile, "/chat/room/7"); d.Delay != time.Second {
		t.Errorf("chat mobile delay = %v, want 1s", d.Delay)
	}
	if d := s.Decide(Desktop, "/other"); !d.AutoConnect {
		t.Errorf("unmatched route should use defaults, got %+v", d)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	s := NewStrategy(Config{
		AutoConnect: true,
		Rules: []Rule{
			{RoutePrefix: "/app", AutoConnect: false},
			{RoutePrefix: "/app/live", AutoConnect: true, DesktopDelay: 10 * time.Millisecond},
		},
	})

	if d := s.Decide(Desktop, "/app/live/scores"); !d.AutoConnect {
		t.Errorf("longest prefix should win, got %+v", d)
	}
	if d := s.Decide(Desktop, "/app/about"); d.AutoConnect {
		t.Errorf("short prefix should apply outside /app/live, got %+v", d)
	}
}

func TestScheduleInvokesConnect(t *testing.T) {
	s := NewStrategy(Config{AutoConnect: true, DesktopDelay: 5 * time.Millisecond})

	var called atomic.Bool
	cancel := s.Schedule(Desktop, "/", func() { called.Store(true) })
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for !called.Load() {
		if time.Now().After(deadline) {
			t.Fatal("connect not invoked within deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduleCancel(t *testing.T) {
	s := NewStrategy(Config{AutoConnect: true, DesktopDelay: 50 * time.Millisecond})

	var called atomic.Bool
	cancel := s.Schedule(Desktop, "/", func() { called.Store(true) })
	cancel()
	cancel() // safe to call twice

	time.Sleep(100 * time.Millisecond)
	if called.Load() {
		t.Error("connect invoked after cancel")
	}
}

func TestScheduleRespectsNoAutoConnect(t *testing.T) {
	s := NewStrategy(Config{
		AutoConnect: true,
		Rules:       []Rule{{RoutePrefix: "/settings", AutoConnect: false}},
	})

	var called atomic.Bool
	cancel := s.Schedule(Desktop, "/settings", func() { called.Store(true) })
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Error("connect invoked on a no-auto-connect route")
	}
}
