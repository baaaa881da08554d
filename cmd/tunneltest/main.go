// tunneltest connects the tunnel and streams channel traffic to the
// console. Usage: go run ./cmd/tunneltest --config configs/tunnel.example.yaml --channel room:lobby
//
// Secrets in the config file use ${VAR} expansion, e.g.:
//
//	TUNNEL_TOKEN       - bearer token for the websocket/sse/longpoll gateways
//	TUNNEL_DB_PASSWORD - password for the postgres transport
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftlabs/tunnel/internal/config"
	"github.com/driftlabs/tunnel/internal/health"
	"github.com/driftlabs/tunnel/internal/metrics"
	"github.com/driftlabs/tunnel/internal/timing"
	"github.com/driftlabs/tunnel/internal/version"
	"github.com/driftlabs/tunnel/pkg/tunnel"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider/pg"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider/poll"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider/sse"
	"github.com/driftlabs/tunnel/pkg/tunnel/provider/ws"
)

func main() {
	configPath := flag.String("config", "configs/tunnel.example.yaml", "path to config file")
	channels := flag.String("channel", "room:lobby", "comma-separated channels to subscribe")
	device := flag.String("device", "desktop", "device class for connect timing (desktop or mobile)")
	route := flag.String("route", "/", "route for connect timing rules")
	publishEvery := flag.Duration("publish-every", 0, "publish a test message at this interval (0 disables)")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tunneltest", version.String())
		return
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	mgr, err := tunnel.New(adapters, tunnel.Options{
		SenderID:               cfg.Manager.SenderID,
		ConnectTimeout:         cfg.Manager.ConnectTimeout,
		SendTimeout:            cfg.Manager.SendTimeout,
		SubscribeTimeout:       cfg.Manager.SubscribeTimeout,
		PingTimeout:            cfg.Manager.PingTimeout,
		PingInterval:           cfg.Manager.PingInterval,
		ReconnectBaseDelay:     cfg.Manager.ReconnectBaseDelay,
		ReconnectMaxDelay:      cfg.Manager.ReconnectMaxDelay,
		PresenceResyncInterval: cfg.Manager.PresenceResyncInterval,
		Cooldown:               cfg.Manager.Cooldown,
		Health: health.Config{
			WindowSize:       cfg.Health.WindowSize,
			LatencyThreshold: cfg.Health.LatencyThreshold,
			ErrorRate:        cfg.Health.ErrorRate,
			Breaches:         cfg.Health.Breaches,
		},
		Logger:  logger,
		Metrics: m,
		Debug:   cfg.Instance.Debug,
	})
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	// Lifecycle event printers
	mgr.On(tunnel.EventConnect, func(ev tunnel.Event) {
		fmt.Printf("[CONNECT] provider=%s\n", ev.Provider)
	})
	mgr.On(tunnel.EventDisconnect, func(ev tunnel.Event) {
		fmt.Printf("[DISCONNECT]\n")
	})
	mgr.On(tunnel.EventReconnect, func(ev tunnel.Event) {
		fmt.Printf("[RECONNECT] attempt=%d\n", ev.Attempt)
	})
	mgr.On(tunnel.EventTransportSwitch, func(ev tunnel.Event) {
		fmt.Printf("[SWITCH] from=%s to=%s\n", ev.From, ev.To)
	})
	mgr.On(tunnel.EventError, func(ev tunnel.Event) {
		fmt.Printf("[ERROR] provider=%s err=%v\n", ev.Provider, ev.Err)
	})
	mgr.On(tunnel.EventHealth, func(ev tunnel.Event) {
		if ev.Health.Degraded {
			fmt.Printf("[HEALTH] provider=%s DEGRADED latency=%s error_rate=%.2f\n",
				ev.Provider, ev.Health.RollingLatency, ev.Health.ErrorRate)
		}
	})

	// Subscribe before connecting; the replay set carries the
	// channels onto whichever provider wins.
	channelList := strings.Split(*channels, ",")
	for _, ch := range channelList {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		sub, err := mgr.Subscribe(ch, printMessage(ch, *verbose))
		if err != nil {
			logger.Error("subscribe failed", "channel", ch, "error", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
	}

	// Connect per the timing strategy for the requested device/route.
	strategy := timing.NewStrategy(timingConfig(cfg))
	dev := timing.ParseDeviceClass(*device)
	decision := strategy.Decide(dev, *route)
	if !decision.AutoConnect {
		logger.Info("timing strategy says no auto-connect for this route, connecting manually",
			"route", *route)
	}
	logger.Info("scheduling connect", "device", dev.String(), "route", *route,
		"auto", decision.AutoConnect, "delay", decision.Delay)

	connect := func() {
		if err := mgr.Connect(ctx); err != nil {
			logger.Warn("initial connect failed, retrying in background", "error", err)
		}
	}
	if decision.AutoConnect {
		cancelTimer := strategy.Schedule(dev, *route, connect)
		defer cancelTimer()
	} else {
		connect()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, m.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	g.Go(func() error {
		logger.Info("metrics listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				state := mgr.ConnectionState()
				logger.Info("stats",
					"state", state.State.String(),
					"provider", state.ActiveProvider,
					"available", strings.Join(mgr.AvailableProviders(), ","),
				)
				for _, ch := range channelList {
					if members := mgr.Presence(ch); len(members) > 0 {
						logger.Info("presence", "channel", ch, "members", len(members))
					}
				}
			}
		}
	})

	// Optional test publisher
	if *publishEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*publishEvery)
			defer ticker.Stop()
			n := 0
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n++
					payload := map[string]any{"seq": n, "sent_at": time.Now().UnixMilli()}
					if err := mgr.Publish(gctx, channelList[0], "test", payload); err != nil {
						logger.Warn("publish failed", "error", err)
					}
				}
			}
		})
	}

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if err := g.Wait(); err != nil {
		logger.Warn("background task failed", "error", err)
	}

	logger.Info("shutdown complete")
}

// buildAdapters turns the provider config list into adapters in
// priority order.
func buildAdapters(cfg *config.TunnelConfig, logger *slog.Logger) ([]provider.Adapter, error) {
	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Type {
		case config.ProviderWebSocket:
			adapters = append(adapters, ws.New(ws.Config{
				URL:              p.URL,
				Token:            p.Token,
				HandshakeTimeout: p.ConnectTimeout,
				CommandTimeout:   p.RequestTimeout,
				BufferSize:       p.BufferSize,
			}, logger))

		case config.ProviderSSE:
			adapters = append(adapters, sse.New(sse.Config{
				URL:            p.URL,
				Token:          p.Token,
				ConnectTimeout: p.ConnectTimeout,
				RequestTimeout: p.RequestTimeout,
				BufferSize:     p.BufferSize,
			}, logger))

		case config.ProviderPostgres:
			adapters = append(adapters, pg.New(pg.Config{
				DB:             p.Database,
				ConnectTimeout: p.ConnectTimeout,
				RequestTimeout: p.RequestTimeout,
				BufferSize:     p.BufferSize,
			}, logger))

		case config.ProviderLongPoll:
			adapters = append(adapters, poll.New(poll.Config{
				URL:            p.URL,
				Token:          p.Token,
				RequestTimeout: p.RequestTimeout,
				BufferSize:     p.BufferSize,
			}, logger))

		default:
			return nil, fmt.Errorf("unknown provider type %q", p.Type)
		}
	}
	return adapters, nil
}

// timingConfig converts the YAML timing section into a strategy config.
func timingConfig(cfg *config.TunnelConfig) timing.Config {
	out := timing.Config{
		AutoConnect:  true,
		DesktopDelay: cfg.Timing.DesktopDelay,
		MobileDelay:  cfg.Timing.MobileDelay,
	}
	for _, r := range cfg.Timing.Rules {
		auto := true
		if r.AutoConnect != nil {
			auto = *r.AutoConnect
		}
		out.Rules = append(out.Rules, timing.Rule{
			RoutePrefix:  r.RoutePrefix,
			AutoConnect:  auto,
			DesktopDelay: r.DesktopDelay,
			MobileDelay:  r.MobileDelay,
		})
	}
	return out
}

func printMessage(channel string, verbose bool) func(provider.Message) {
	return func(msg provider.Message) {
		if verbose {
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Printf("[MESSAGE] %s\n", data)
			return
		}
		fmt.Printf("[MESSAGE] channel=%s event=%s sender=%s bytes=%d\n",
			channel, msg.Event, msg.SenderID, len(msg.Data))
	}
}
