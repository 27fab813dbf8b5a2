// Package sandbox manages the lifecycle of one agent container per
// group: mount assembly, secret resolution, the stdout result-stream
// protocol, and the timeout/kill policy. Each run is a single OS
// process wrapping the container runtime (docker or podman); the
// group queue decides when runs start.
package sandbox

import (
	"fmt"
	"os"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
)

// Config holds the container runtime settings.
type Config struct {
	// Runtime is the container runtime binary ("docker" or "podman").
	Runtime string `yaml:"runtime"`

	// Image is the agent container image.
	Image string `yaml:"image"`

	// CPUs limits container CPU usage (passed to --cpus).
	CPUs string `yaml:"cpus"`

	// Memory limits container memory (passed to --memory).
	Memory string `yaml:"memory"`

	// Network is the container network mode. Defaults to "bridge";
	// use "none" to cut the agent off entirely.
	Network string `yaml:"network"`

	// HardTimeout is the wall-clock limit per run, measured from
	// process start. On expiry the container is stopped by name.
	HardTimeout time.Duration `yaml:"hard_timeout"`

	// MaxOutputBytes caps how much of the container's output stream
	// is read. Beyond this the stream is truncated, not buffered.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// KeyringService is the OS keyring service name used to look up
	// the agent API key when it is not present in any env file.
	KeyringService string `yaml:"keyring_service"`
}

// DefaultConfig returns container settings that work on a stock
// docker install.
func DefaultConfig() Config {
	return Config{
		Runtime:        "docker",
		Image:          "groupclaw-agent:latest",
		CPUs:           "2",
		Memory:         "2g",
		Network:        "bridge",
		HardTimeout:    30 * time.Minute,
		MaxOutputBytes: 8 * 1024 * 1024,
		KeyringService: "groupclaw",
	}
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	if c.Runtime == "" {
		return fmt.Errorf("container runtime must be set")
	}
	if c.Image == "" {
		return fmt.Errorf("container image must be set")
	}
	if c.HardTimeout <= 0 {
		return fmt.Errorf("hard_timeout must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive")
	}
	return nil
}

// GroupSpec is the slice of group identity the runner needs. Kept
// local so this package does not depend on the store.
type GroupSpec struct {
	// JID is the group's chat address.
	JID string

	// Name is the display name.
	Name string

	// Folder is the validated workspace folder name.
	Folder string

	// IsMain marks the privileged group.
	IsMain bool

	// ExtraMounts are per-group mount requests; each one passes
	// through the mount gate before it reaches the container.
	ExtraMounts []mounts.Request
}

// Attachment is one inbound media file to copy into the group's
// attachment directory before the sandbox starts.
type Attachment struct {
	// Filename is the name the file gets inside the container.
	Filename string

	// HostPath is where the downloaded file currently lives.
	HostPath string
}

// Input is the initial prompt delivered to a starting sandbox.
type Input struct {
	// Prompt is the formatted message batch or task prompt.
	Prompt string

	// SessionID resumes a previous agent session when non-empty.
	SessionID string

	// Attachments are copied into the attachment dir; the prompt
	// references them by container path.
	Attachments []Attachment

	// IsTask marks a scheduled task run.
	IsTask bool
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusIdle    = "idle"
)

// Result is one JSON payload streamed by the agent between the
// output sentinels. Zero or more arrive per run.
type Result struct {
	// Status is "success", "error", or "idle" (session-only update
	// signalling the agent is polling for more input).
	Status string `json:"status"`

	// Result is the agent's output payload, if any.
	Result string `json:"result,omitempty"`

	// SessionID is the agent session to resume next run.
	SessionID string `json:"session_id,omitempty"`

	// Error carries detail when Status is "error".
	Error string `json:"error,omitempty"`
}

// Outcome is the terminal resolution of one run.
type Outcome struct {
	// Results is how many valid payloads were streamed.
	Results int

	// SessionID is the last session id seen in the stream.
	SessionID string

	// TimedOut is set when the hard wall-clock limit stopped the
	// container. A timed-out run with streamed results still
	// resolves as success.
	TimedOut bool
}

// Hooks are the runner's callbacks into the caller. OnStarted fires
// once, immediately after the OS process starts, so the queue can
// register the handle; OnResult fires per streamed payload.
type Hooks struct {
	OnStarted func(proc *os.Process, containerName string)
	OnResult  func(Result)
}
