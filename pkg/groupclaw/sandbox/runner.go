// Package sandbox – runner.go starts and supervises one agent
// container per run: mount assembly through the gate, secret env
// resolution, attachment staging, the output stream protocol, and
// the hard wall-clock stop.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/ipc"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
)

// Runner builds and runs agent containers. One Runner serves all
// groups; each Run call is independent.
type Runner struct {
	cfg    Config
	layout workspace.Layout
	gate   *mounts.Gate
	logger *slog.Logger
}

// NewRunner creates a Runner. The gate is consulted for every
// group-declared extra mount.
func NewRunner(cfg Config, layout workspace.Layout, gate *mounts.Gate, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		layout: layout,
		gate:   gate,
		logger: logger.With("component", "sandbox"),
	}, nil
}

// Run executes one sandbox run for a group and blocks until the
// container exits or is stopped by the hard timeout.
//
// Resolution policy: a run that streamed at least one valid result
// resolves as success with the last session id, even if the process
// was killed by the timeout or exited non-zero afterwards — partial
// output beats discarding real agent work. A run with zero streamed
// results is always an error.
func (r *Runner) Run(ctx context.Context, group GroupSpec, input Input, hooks Hooks) (*Outcome, error) {
	if err := workspace.ValidateName(group.Folder); err != nil {
		return nil, err
	}
	if err := r.layout.EnsureGroupDirs(group.Folder); err != nil {
		return nil, fmt.Errorf("preparing group dirs: %w", err)
	}

	containerPaths, err := r.stageAttachments(group.Folder, input.Attachments)
	if err != nil {
		return nil, err
	}

	inputDir, _ := r.layout.InputDir(group.Folder)
	if err := ipc.WriteInput(inputDir, ipc.InputMessage{
		Text:        input.Prompt,
		Attachments: containerPaths,
		Timestamp:   time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("writing initial input: %w", err)
	}

	name := fmt.Sprintf("groupclaw-%s-%s", group.Folder, uuid.NewString()[:8])
	args, env, err := r.buildInvocation(name, group, input)
	if err != nil {
		return nil, err
	}

	// Deliberately not CommandContext: a running sandbox is never
	// cancelled cooperatively, only stopped by the hard timeout.
	cmd := exec.Command(r.cfg.Runtime, args...)
	cmd.Env = env

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting container runtime: %w", err)
	}
	pw.Close()

	r.logger.Info("sandbox: started",
		"group", group.Folder,
		"container", name,
		"task", input.IsTask,
		"pid", cmd.Process.Pid)

	if hooks.OnStarted != nil {
		hooks.OnStarted(cmd.Process, name)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(r.cfg.HardTimeout, func() {
		timedOut.Store(true)
		r.logger.Warn("sandbox: hard timeout reached, stopping container",
			"group", group.Folder, "container", name, "limit", r.cfg.HardTimeout)
		r.stopContainer(name)
	})
	defer timer.Stop()

	outcome := &Outcome{}
	readResults(pr, r.cfg.MaxOutputBytes, r.logger, func(res Result) {
		outcome.Results++
		if res.SessionID != "" {
			outcome.SessionID = res.SessionID
		}
		if hooks.OnResult != nil {
			hooks.OnResult(res)
		}
	})
	// Drain anything past the byte ceiling so the child never blocks
	// on a full pipe.
	io.Copy(io.Discard, pr)
	pr.Close()

	waitErr := cmd.Wait()
	outcome.TimedOut = timedOut.Load()

	if outcome.Results > 0 {
		r.logger.Info("sandbox: run complete",
			"group", group.Folder,
			"container", name,
			"results", outcome.Results,
			"timed_out", outcome.TimedOut)
		return outcome, nil
	}

	switch {
	case outcome.TimedOut:
		return outcome, fmt.Errorf("sandbox timed out after %s with no output", r.cfg.HardTimeout)
	case waitErr != nil:
		return outcome, fmt.Errorf("sandbox exited with no output: %w", waitErr)
	default:
		return outcome, fmt.Errorf("sandbox exited with no output")
	}
}

// stageAttachments copies inbound media into the group's attachment
// directory and returns the container paths the prompt can reference.
// The sandbox never sees host filesystem paths.
func (r *Runner) stageAttachments(folder string, attachments []Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	dir, err := r.layout.AttachmentsDir(folder)
	if err != nil {
		return nil, err
	}

	var containerPaths []string
	for _, att := range attachments {
		base := filepath.Base(att.Filename)
		if base == "." || base == ".." || base == "/" {
			return nil, fmt.Errorf("invalid attachment filename %q", att.Filename)
		}
		dst := filepath.Join(dir, base)
		if err := copyFile(att.HostPath, dst); err != nil {
			return nil, fmt.Errorf("staging attachment %s: %w", base, err)
		}
		containerPaths = append(containerPaths, workspace.ContainerIPCDir+"/attachments/"+base)
	}
	return containerPaths, nil
}

// buildInvocation computes the container runtime argument list and
// the process environment for one run.
func (r *Runner) buildInvocation(name string, group GroupSpec, input Input) ([]string, []string, error) {
	workspaceDir, err := r.layout.WorkspaceDir(group.Folder)
	if err != nil {
		return nil, nil, err
	}
	groupDir, err := r.layout.GroupDir(group.Folder)
	if err != nil {
		return nil, nil, err
	}

	args := []string{"run", "--rm", "--name", name}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}
	if r.cfg.CPUs != "" {
		args = append(args, "--cpus", r.cfg.CPUs)
	}
	if r.cfg.Memory != "" {
		args = append(args, "--memory", r.cfg.Memory)
	}

	// Core mounts: workspace and IPC tree read-write for the owning
	// group, the shared global dir read-only.
	args = append(args,
		"-v", workspaceDir+":"+workspace.ContainerWorkspaceDir,
		"-v", filepath.Join(groupDir, "ipc")+":"+workspace.ContainerIPCDir,
	)
	if globalDir := r.layout.GlobalDir(); dirExists(globalDir) {
		args = append(args, "-v", globalDir+":"+workspace.ContainerGlobalDir+":ro")
	}

	// Extra mounts pass through the gate; denials are filtered and
	// logged, never fatal.
	for _, d := range r.gate.ValidateBatch(group.ExtraMounts, group.Folder, group.IsMain) {
		spec := d.RealPath + ":/mnt/" + d.ContainerPath
		if d.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	groupEnv, _ := r.layout.GroupEnvFile(group.Folder)
	secrets := resolveSecrets(r.layout.GlobalEnvFile(), groupEnv, r.cfg.KeyringService, r.logger)

	meta := map[string]string{
		"GROUPCLAW_GROUP_JID":    group.JID,
		"GROUPCLAW_GROUP_NAME":   group.Name,
		"GROUPCLAW_GROUP_FOLDER": group.Folder,
		"GROUPCLAW_IS_MAIN":      fmt.Sprintf("%t", group.IsMain),
		"GROUPCLAW_IS_TASK":      fmt.Sprintf("%t", input.IsTask),
		"GROUPCLAW_SESSION_ID":   input.SessionID,
	}

	// Values go through the process environment, not the argument
	// list, so secrets never show up in ps output.
	env := os.Environ()
	for k, v := range secrets {
		args = append(args, "-e", k)
		env = append(env, k+"="+v)
	}
	for k, v := range meta {
		args = append(args, "-e", k)
		env = append(env, k+"="+v)
	}

	args = append(args, r.cfg.Image)
	return args, env, nil
}

// stopContainer asks the runtime to stop a container by name.
func (r *Runner) stopContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, r.cfg.Runtime, "stop", "-t", "10", name).Run(); err != nil {
		r.logger.Warn("sandbox: container stop failed", "container", name, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
