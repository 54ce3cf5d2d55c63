package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coworkany/coworkany/internal/audit"
	"github.com/coworkany/coworkany/internal/broker"
	"github.com/coworkany/coworkany/internal/config"
	"github.com/coworkany/coworkany/internal/dispatch"
	"github.com/coworkany/coworkany/internal/events"
	"github.com/coworkany/coworkany/internal/lockfile"
	"github.com/coworkany/coworkany/internal/logger"
	"github.com/coworkany/coworkany/internal/policy"
	"github.com/coworkany/coworkany/internal/services"
	"github.com/coworkany/coworkany/internal/shadowfs"
	"github.com/coworkany/coworkany/internal/sidecar"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coworkany-host: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to host config file")
	workspace := flag.String("workspace", "", "workspace root (overrides config)")
	port := flag.Int("port", 0, "control API port (overrides config)")
	agentPath := flag.String("agent", "", "agent entry script (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none")
	noWatchdog := flag.Bool("no-watchdog", false, "disable automatic sidecar restarts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *workspace != "" {
		cfg.WorkspaceRoot = *workspace
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *agentPath != "" {
		cfg.AgentPath = *agentPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	workspaceRoot, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("invalid workspace root: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logger.Global().WithPrefix("host")
	defer logger.Global().Close()

	lock := lockfile.ForWorkspace(workspaceRoot)
	if err := lock.TryAcquire(); err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fmt.Errorf("another host is already running for %s: %w", workspaceRoot, err)
		}
		return err
	}
	defer lock.Release()

	policyCfg, err := config.LoadPolicy(cfg.PolicyConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load policy config: %w", err)
	}

	engine := policy.NewEngine(policyCfg)
	memory := policy.NewSessionMemory()
	registry := policy.NewRegistry()

	hub := events.NewHub()
	sink := audit.MultiSink{
		audit.NewFileSink(cfg.AuditLogPath),
		audit.NewCallbackSink(func(event audit.Event) {
			hub.Emit("audit-event", event)
		}),
	}

	shadow, err := shadowfs.New(workspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to open shadow filesystem: %w", err)
	}

	shadowWatcher, err := shadowfs.NewWatcher(shadow, hub)
	if err != nil {
		log.Warn("Shadow conflict watcher unavailable: %v", err)
	} else {
		shadow.AttachWatcher(shadowWatcher)
		defer shadowWatcher.Close()
	}

	confirmations := broker.New(engine, memory, sink, hub)
	dispatcher := dispatch.New(engine, memory, confirmations, shadow, registry, sink)

	agentWorkDir := cfg.AgentWorkDir
	if agentWorkDir == "" {
		agentWorkDir = workspaceRoot
	}
	supervisor := sidecar.New(cfg.AgentPath, agentWorkDir, dispatcher, hub)

	manager := services.NewManager(cfg.Services, hub)

	server := events.NewServer(cfg.Port, hub, confirmations, shadow, manager, supervisor)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start control API: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.StartAll(ctx)

	if err := supervisor.Spawn(); err != nil {
		log.Error("Initial sidecar spawn failed: %v", err)
	}

	var watchdog *sidecar.Watchdog
	if !*noWatchdog {
		watchdog = sidecar.NewWatchdog(supervisor, hub)
		watchdog.Start()
	}

	if removed, err := shadow.Cleanup(time.Duration(cfg.ShadowMaxAgeHours) * time.Hour); err != nil {
		log.Warn("Shadow cleanup failed: %v", err)
	} else if removed > 0 {
		log.Info("Shadow cleanup removed %d stale entries", removed)
	}

	log.Info("Host up: workspace=%s api=%s", workspaceRoot, server.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("Received %s, shutting down", sig)

	if watchdog != nil {
		watchdog.Stop()
	}
	confirmations.DropAll()
	supervisor.Shutdown()
	manager.StopAll()
	if err := server.Stop(); err != nil {
		log.Warn("Control API shutdown: %v", err)
	}

	return nil
}
