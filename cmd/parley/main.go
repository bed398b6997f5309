// Command parley is the main entry point for the Parley chat gateway.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	chatsvc "github.com/MrWong99/parley/internal/chat"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/registry"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/chat/anthropic"
	"github.com/MrWong99/parley/pkg/provider/chat/anyllm"
	"github.com/MrWong99/parley/pkg/provider/chat/openai"
)

// version is stamped at build time via -ldflags.
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
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"addr", cfg.Server.Addr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown", "err", err)
		}
	}()

	// ── Provider manager ──────────────────────────────────────────────────────
	mgr := config.NewManager()
	registerBuiltinKinds(mgr)
	if err := mgr.ApplyConfig(cfg); err != nil {
		slog.Error("failed to apply provider configuration", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := registry.New(registry.WithHealthInterval(mgr.Service().HealthInterval.Std()))
	if err := buildProviders(mgr, reg); err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	reg.StartHealthSweep(ctx)
	defer reg.Stop()

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := chatsvc.NewOrchestrator(reg, mgr.Service(), chatsvc.WithObserveMetrics(observe.DefaultMetrics()))
	orch.Start(ctx)
	defer orch.Stop()

	// ── Config watcher ────────────────────────────────────────────────────────
	// Priority and enabled toggles from the file take effect in place; newly
	// added providers require a restart before they join the registry.
	watcher, err := config.NewWatcher(*configPath, func(_, updated *config.Config) {
		if err := mgr.ApplyConfig(updated); err != nil {
			slog.Warn("config reload applied partially", "err", err)
			return
		}
		slog.Info("config reloaded", "providers", len(updated.Providers))
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server: health + metrics ─────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(health.Providers(reg)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, mgr)

	slog.Info("server ready — press Ctrl+C to shut down")

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "err", err)
		exit = 1
	}

	slog.Info("shutdown complete")
	return exit
}

// registerBuiltinKinds wires every provider kind the binary ships with into
// the manager's factory table. The openai and anthropic kinds use the native
// SDK adapters; the remaining backends go through the any-llm bridge.
func registerBuiltinKinds(mgr *config.Manager) {
	mgr.RegisterFactory("openai", func(s *chat.Settings) (chat.Provider, error) {
		return openai.New(s)
	})
	mgr.RegisterFactory("anthropic", func(s *chat.Settings) (chat.Provider, error) {
		return anthropic.New(s)
	})
	for _, backend := range []string{"gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		mgr.RegisterFactory(backend, func(s *chat.Settings) (chat.Provider, error) {
			return anyllm.New(backend, s)
		})
	}
}

// buildProviders instantiates every configured provider and registers it with
// the selection registry. Adapters share the manager's Settings values, so
// runtime toggles reach both sides.
func buildProviders(mgr *config.Manager, reg *registry.Registry) error {
	for _, s := range mgr.All() {
		p, err := mgr.Create(s.Name)
		if err != nil {
			return fmt.Errorf("provider %q: %w", s.Name, err)
		}
		if err := reg.Register(p, s); err != nil {
			return fmt.Errorf("provider %q: %w", s.Name, err)
		}
		slog.Info("provider registered",
			"name", s.Name,
			"model", s.DefaultModel(),
			"priority", s.Priority(),
			"enabled", s.Enabled(),
		)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mgr *config.Manager) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, p := range cfg.Providers {
		value := p.Kind
		if len(p.Models) > 0 {
			value = p.Kind + " / " + p.Models[0]
		}
		if !p.IsEnabled() {
			value = "(disabled)"
		}
		printSummaryRow(p.Name, value)
	}
	printSummaryRow("default", cfg.Service.DefaultProvider)
	available, missing := mgr.CredentialStatus()
	printSummaryRow("credentials ok", fmt.Sprintf("%d", len(available)))
	for _, name := range missing {
		printSummaryRow("missing", name)
	}
	printSummaryRow("listen addr", cfg.Server.Addr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSummaryRow(label, value string) {
	if len(label) > 14 {
		label = label[:13] + "…"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
