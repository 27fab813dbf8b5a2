// Package config defines the GroupClaw configuration tree and its
// YAML loader. Secrets never live in the YAML file: the agent API key
// comes from env files or the OS keyring, and the gateway stores only
// a bcrypt hash of its token.
package config

import (
	"fmt"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels/discord"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels/whatsapp"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/gateway"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/orchestrator"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/sandbox"
)

// Config holds all orchestrator configuration.
type Config struct {
	// StateDir is the root of all per-group state on disk.
	StateDir string `yaml:"state_dir"`

	// Transport selects the chat transport ("whatsapp" or "discord").
	Transport string `yaml:"transport"`

	// Orchestrator configures message intake.
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Sandbox configures the agent container runtime.
	Sandbox sandbox.Config `yaml:"sandbox"`

	// Queue configures run concurrency and retries.
	Queue queue.Config `yaml:"queue"`

	// IPC configures the control-plane watcher.
	IPC IPCConfig `yaml:"ipc"`

	// Scheduler configures the task pump.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Channels configures the chat transports.
	Channels ChannelsConfig `yaml:"channels"`

	// Gateway configures the HTTP control API.
	Gateway gateway.Config `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// IPCConfig configures the envelope watcher.
type IPCConfig struct {
	// PollInterval is how often the group IPC directories are scanned.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchedulerConfig configures the scheduled-task pump.
type SchedulerConfig struct {
	// Enabled turns the scheduler on/off.
	Enabled bool `yaml:"enabled"`

	// PollInterval is how often due tasks are checked.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ChannelsConfig holds transport configuration.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StateDir:     "./data",
		Transport:    "whatsapp",
		Orchestrator: orchestrator.DefaultConfig(),
		Sandbox:      sandbox.DefaultConfig(),
		Queue:        queue.DefaultConfig(),
		IPC: IPCConfig{
			PollInterval: 2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Gateway: gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	switch c.Transport {
	case "whatsapp", "discord":
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", "whatsapp", "discord", c.Transport)
	}
	if c.Orchestrator.MainJID == "" {
		return fmt.Errorf("orchestrator.main_jid must be set")
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if c.IPC.PollInterval <= 0 {
		return fmt.Errorf("ipc.poll_interval must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not valid", c.Logging.Level)
	}
	return nil
}
