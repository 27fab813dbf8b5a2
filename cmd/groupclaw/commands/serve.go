package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels/discord"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels/whatsapp"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/gateway"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/ipc"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/orchestrator"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/sandbox"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/scheduler"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
	"github.com/spf13/cobra"
)

// shutdownGrace is how long in-flight sandboxes get to finish on
// their own before being left detached.
const shutdownGrace = 30 * time.Second

// newServeCmd creates the `groupclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator daemon",
		Long: `Start GroupClaw as a daemon: connects the chat transport, watches
group IPC directories, pumps scheduled tasks and serves the HTTP gateway.

Examples:
  groupclaw serve
  groupclaw serve --config ./groupclaw.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	// ── Logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg.Logging, verbose)

	// ── State directory ──
	layout := workspace.Layout{StateDir: cfg.StateDir}
	for _, dir := range []string{layout.GroupsDir(), layout.GlobalDir(), layout.ErrorDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	st, err := store.OpenSQLite(layout.DatabaseFile())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// ── Transport ──
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	// ── Sandbox runtime ──
	allowlist, err := mounts.LoadAllowlist(layout.AllowlistFile())
	if err != nil {
		return err
	}
	if allowlist == nil {
		logger.Info("no mount allowlist found, extra mounts disabled",
			"path", layout.AllowlistFile())
	}
	gate := mounts.NewGate(allowlist, logger)

	runner, err := sandbox.NewRunner(cfg.Sandbox, layout, gate, logger)
	if err != nil {
		return fmt.Errorf("creating sandbox runner: %w", err)
	}

	// ── Wire orchestrator and queue ──
	orch := orchestrator.New(cfg.Orchestrator, st, runner, transport, layout, logger)
	q := queue.New(cfg.Queue, orch, layout, logger)
	orch.Bind(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Connect transport ──
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s: %w", transport.Name(), err)
	}

	// ── Control plane ──
	watcher := ipc.NewWatcher(layout, st, transport, cfg.Orchestrator.MainJID, cfg.IPC.PollInterval, logger)
	if err := watcher.WriteSnapshot(); err != nil {
		logger.Warn("writing group snapshot", "error", err)
	}
	go watcher.Run(ctx)

	if cfg.Scheduler.Enabled {
		pump := scheduler.NewPump(st, q, orch, cfg.Scheduler.PollInterval, logger)
		go pump.Run(ctx)
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, q, st, transport, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("starting gateway", "error", err)
		} else {
			logger.Info("gateway running", "address", cfg.Gateway.Address)
		}
	}

	// ── Message intake ──
	go func() {
		for msg := range transport.Messages() {
			orch.HandleIncoming(ctx, msg)
		}
	}()

	logger.Info("groupclaw running, press Ctrl+C to stop",
		"transport", transport.Name(),
		"state_dir", cfg.StateDir,
		"main", cfg.Orchestrator.MainJID,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	// Graceful shutdown with timeout. Sandboxes are never killed: any
	// run still going after the grace period is left detached and
	// reported so an operator can find it with `docker ps`.
	done := make(chan struct{})
	go func() {
		if gw != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(stopCtx)
			stopCancel()
		}
		if err := transport.Disconnect(); err != nil {
			logger.Warn("disconnecting transport", "error", err)
		}
		detached := q.Shutdown(shutdownGrace)
		for _, name := range detached {
			logger.Warn("sandbox left running past shutdown", "container", name)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownGrace + 10*time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}

	return nil
}

// resolveConfig loads the config from the --config flag or from the
// standard discovery locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindFile(); found != "" {
		cfg, err := config.Load(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found, run `groupclaw setup` first")
}

// buildLogger constructs the slog logger from the logging config.
func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// buildTransport constructs the configured chat transport.
func buildTransport(cfg *config.Config, logger *slog.Logger) (channels.Transport, error) {
	switch cfg.Transport {
	case "whatsapp":
		waCfg := cfg.Channels.WhatsApp
		if waCfg.DatabasePath == "" {
			waCfg.DatabasePath = workspace.Layout{StateDir: cfg.StateDir}.DatabaseFile()
		}
		return whatsapp.New(waCfg, logger), nil
	case "discord":
		if cfg.Channels.Discord.Token == "" {
			return nil, fmt.Errorf("channels.discord.token must be set for the discord transport")
		}
		return discord.New(cfg.Channels.Discord, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
