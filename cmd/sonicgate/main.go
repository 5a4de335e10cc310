// Command sonicgate is the voice assistant gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voicelayer/sonicgate/internal/auth"
	"github.com/voicelayer/sonicgate/internal/config"
	"github.com/voicelayer/sonicgate/internal/gateway"
	"github.com/voicelayer/sonicgate/internal/health"
	"github.com/voicelayer/sonicgate/internal/observe"
	"github.com/voicelayer/sonicgate/internal/resilience"
	"github.com/voicelayer/sonicgate/internal/tools"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// version is stamped at release time via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonicgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonicgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it without
	// rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sonicgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sonicgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Task repository ───────────────────────────────────────────────────────
	repo, err := config.OpenRepository(ctx, cfg.Repository)
	if err != nil {
		slog.Error("failed to open repository", "driver", cfg.Repository.Driver, "err", err)
		return 1
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Warn("repository close error", "err", err)
		}
	}()

	// ── Tool registry ─────────────────────────────────────────────────────────
	registry := tools.NewRegistry()
	if err := tools.RegisterTaskTools(registry, repo); err != nil {
		slog.Error("failed to register task tools", "err", err)
		return 1
	}
	if err := tools.RegisterDateTime(registry, nil); err != nil {
		slog.Error("failed to register datetime tool", "err", err)
		return 1
	}

	// ── Model provider ────────────────────────────────────────────────────────
	provider, err := novasonic.NewBedrockProvider(ctx, cfg.Model.Region, novasonic.WithModelID(cfg.Model.ModelID))
	if err != nil {
		slog.Error("failed to create bedrock provider", "err", err)
		return 1
	}
	guarded := resilience.NewGuardedProvider(provider, resilience.Config{Name: "bedrock", Logger: logger})

	// ── Auth ──────────────────────────────────────────────────────────────────
	verifier := auth.NewVerifier(cfg.Auth.Region, cfg.Auth.UserPoolID, cfg.Auth.ClientID)

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw, err := gateway.NewServer(gateway.Config{
		Auth:        verifier,
		Provider:    guarded,
		Tools:       registry,
		Metrics:     metrics,
		Logger:      logger,
		MaxSessions: cfg.Gateway.MaxConcurrentSessions,
		IdleTimeout: cfg.Gateway.IdleTimeout.Std(),
		QueueCap:    cfg.Gateway.QueueSoftCap,
		Settle:      cfg.Gateway.PhaseSettle.Std(),
		VoiceID:     cfg.Model.VoiceID,
		Inference: novasonic.InferenceConfig{
			MaxTokens:   cfg.Model.MaxTokens,
			TopP:        cfg.Model.TopP,
			Temperature: cfg.Model.Temperature,
		},
	})
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		return 1
	}

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	gw.Register(mux)

	// Probe and metrics routes run through the observability middleware. The
	// websocket route must not: the middleware's response wrapper hides the
	// http.Hijacker the upgrade needs.
	hc := health.New([]health.Checker{
		{Name: "repository", Check: repo.Ping},
		{Name: "jwks", Check: verifier.Prime},
	}, health.WithSessionCount(gw.SessionCount))
	probes := http.NewServeMux()
	hc.Register(probes)
	probes.Handle("GET /metrics", promhttp.Handler())
	instrumented := observe.Middleware(metrics)(probes)
	mux.Handle("GET /healthz", instrumented)
	mux.Handle("GET /readyz", instrumented)
	mux.Handle("GET /metrics", instrumented)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.GatewayChanged {
			g := d.NewGateway
			gw.SetSessionDefaults(new.Model.VoiceID, g.IdleTimeout.Std(), g.PhaseSettle.Std(), g.QueueSoftCap, g.MaxConcurrentSessions)
			slog.Info("session defaults updated",
				"max_sessions", g.MaxConcurrentSessions,
				"idle_timeout", g.IdleTimeout,
				"queue_soft_cap", g.QueueSoftCap,
			)
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	printStartupSummary(cfg, registry.Len())
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("http server failed", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Sessions first: each gets its sessionEnd flushed and its websocket a
	// close frame before the listener stops accepting reads. The drain has
	// its own 5s budget so a slow HTTP shutdown cannot eat into it, and a
	// stuck session cannot eat the HTTP server's share either.
	gwCtx, gwCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
	if err := gw.Shutdown(gwCtx); err != nil {
		slog.Warn("not all sessions drained", "err", err)
	}
	gwCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, toolCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        sonicgate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Model", cfg.Model.ModelID)
	printRow("Voice", cfg.Model.VoiceID)
	region := cfg.Model.Region
	if region == "" {
		region = "(sdk default)"
	}
	printRow("Bedrock region", region)
	printRow("Auth pool", cfg.Auth.UserPoolID)
	printRow("Repository", string(cfg.Repository.Driver))
	printRow("Tools", strconv.Itoa(toolCount))
	printRow("Max sessions", strconv.Itoa(cfg.Gateway.MaxConcurrentSessions))
	printRow("Idle timeout", cfg.Gateway.IdleTimeout.String())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
