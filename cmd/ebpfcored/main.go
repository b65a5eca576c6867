// Command ebpfcored is the ebpfcore host process. It loads a YAML
// configuration file, constructs the hostapi.Runtime, starts the simulated
// hardware event sources declared for this board, serves the JWT-gated
// admin HTTP surface, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/adminapi"
	"github.com/corvidrobotics/ebpfcore/internal/attach"
	"github.com/corvidrobotics/ebpfcore/internal/config"
	"github.com/corvidrobotics/ebpfcore/internal/drivers"
	"github.com/corvidrobotics/ebpfcore/internal/hostapi"
	"github.com/corvidrobotics/ebpfcore/internal/profile"
	"github.com/corvidrobotics/ebpfcore/internal/program"
)

func main() {
	configPath := flag.String("config", "/etc/ebpfcore/config.yaml", "path to the ebpfcored YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebpfcored: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("profile", cfg.Profile),
		slog.String("admin_listen_addr", cfg.AdminAPI.ListenAddr),
	)

	trustedKeys, err := cfg.TrustedKeys()
	if err != nil {
		logger.Error("failed to decode trusted signers", slog.Any("error", err))
		os.Exit(1)
	}

	rt, err := hostapi.New(hostapi.Options{
		Profile:       profile.Kind(cfg.Profile),
		AuditLogPath:  cfg.AuditLogPath,
		HistoryDBPath: cfg.HistoryDBPath,
		TrustedKeys:   trustedKeys,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to start runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := drivers.NewManager(func(ctx context.Context, ev drivers.Event) {
		if _, err := rt.Fire(ev.Type, ev.Target, ev.Ctx); err != nil {
			logger.Warn("event dispatch failed", slog.String("target", ev.Target), slog.Any("error", err))
		}
	}, logger)

	for _, src := range buildEventSources(cfg, logger) {
		mgr.Add(src)
	}
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start event sources", slog.Any("error", err))
		os.Exit(1)
	}

	applyStartupAttachments(rt, cfg, logger)

	router := adminapi.NewRouter(adminapi.NewServer(rt), jwtSecret(cfg), cfg.AdminAPI.OperatorAllowlist)
	adminServer := &http.Server{
		Addr:         cfg.AdminAPI.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin API listening", slog.String("addr", cfg.AdminAPI.ListenAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	if err := mgr.Stop(); err != nil {
		logger.Warn("event source shutdown error", slog.Any("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown error", slog.Any("error", err))
	}

	logger.Info("ebpfcored exited cleanly")
}

// jwtSecret returns nil when no signing key is configured, which disables
// JWT validation on the admin API entirely (suitable for a trusted, local
// debug bring-up, never for a board with network-reachable admin_api).
func jwtSecret(cfg *config.Config) []byte {
	if cfg.AdminAPI.JWTSigningKey == "" {
		return nil
	}
	return []byte(cfg.AdminAPI.JWTSigningKey)
}

// buildEventSources constructs the simulated hardware Sources implied by
// cfg.Attachments. Each attach type maps to the Source kind that can
// actually produce it; kprobe and tracepoint attachments outside a "timer"
// tracepoint have no simulated device node here and are expected to be
// fired by an external caller via the admin API or an embedder linking
// this package directly.
func buildEventSources(cfg *config.Config, logger *slog.Logger) []drivers.Source {
	var sources []drivers.Source
	for _, a := range cfg.Attachments {
		switch a.Type {
		case "tracepoint":
			if a.Category == "timer" {
				sources = append(sources, drivers.NewTimerSource(a.Name, time.Second, logger))
			}
		case "gpio":
			edge, ok := gpioEdge(a.Edge)
			if !ok {
				continue
			}
			sources = append(sources, drivers.NewGPIOSource(a.Chip, a.Line, edge, 50*time.Millisecond, simulatedGPIORead(a.Chip, a.Line), logger))
		case "pwm":
			sources = append(sources, drivers.NewPWMSource(a.Chip, a.PWMChannel, 100*time.Millisecond, simulatedPWMRead(a.Chip, a.PWMChannel), logger))
		case "iio":
			sources = append(sources, drivers.NewIIOSource(a.Device, a.Channel, time.Second, simulatedIIORead(a.Device, a.Channel), logger))
		}
	}
	return sources
}

func gpioEdge(s string) (attach.Edge, bool) {
	switch s {
	case "Rising":
		return attach.EdgeRising, true
	case "Falling":
		return attach.EdgeFalling, true
	case "Both":
		return attach.EdgeBoth, true
	default:
		return 0, false
	}
}

// applyStartupAttachments attempts to bind every declared attachment to an
// already-admitted program of the same name. Since program bytecode is not
// itself persisted across restarts (internal/hostapi.New only reports how
// many admissions need reloading), this will usually find nothing to bind
// on a cold boot; operators load and attach programs through the admin API
// once, and bindings established that way survive until the next restart.
func applyStartupAttachments(rt *hostapi.Runtime, cfg *config.Config, logger *slog.Logger) {
	byName := make(map[string]uint32)
	for _, p := range rt.ListPrograms() {
		byName[p.Name] = uint32(p.ID)
	}

	for _, a := range cfg.Attachments {
		pid, ok := byName[a.Program]
		if !ok {
			logger.Warn("attachment references a program not yet loaded, skipping until it is loaded via the admin API",
				slog.String("program", a.Program), slog.String("type", a.Type))
			continue
		}
		target, err := a.AttachTarget()
		if err != nil {
			logger.Warn("invalid attachment configuration", slog.String("program", a.Program), slog.Any("error", err))
			continue
		}
		if _, err := rt.ProgAttach(target, program.ID(pid)); err != nil {
			logger.Warn("failed to bind startup attachment", slog.String("program", a.Program), slog.Any("error", err))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
