// Package workspace validates group folder names and derives the
// per-group directory layout used by the sandbox and the IPC control
// plane. Folder names become filesystem paths, so validation here is
// the traversal barrier for everything built on top.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxNameLength caps group folder names. Long names break nothing on
// Linux but keep container names (which embed the folder) readable.
const MaxNameLength = 64

// nameRe matches valid group folder names: lowercase alphanumerics,
// dash, underscore and dot, starting with an alphanumeric.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateName checks that a group folder name is safe to use as a
// path component. It rejects anything that could escape the groups
// directory: separators, parent references, absolute paths.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("group folder name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("group folder name exceeds %d characters", MaxNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("group folder name contains a path separator: %q", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("group folder name contains a parent reference: %q", name)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("group folder name has invalid characters: %q", name)
	}
	return nil
}

// Slug derives a filesystem-safe folder name from a display name.
// Returns an error when nothing usable remains after sanitizing.
func Slug(display string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(display))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-.")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > MaxNameLength {
		slug = slug[:MaxNameLength]
	}
	if err := ValidateName(slug); err != nil {
		return "", fmt.Errorf("cannot derive folder name from %q: %w", display, err)
	}
	return slug, nil
}

// Container mount points. The agent inside the sandbox only ever sees
// these paths; host paths never cross the boundary.
const (
	ContainerWorkspaceDir = "/workspace"
	ContainerIPCDir       = "/ipc"
	ContainerGlobalDir    = "/global"
)

// Layout resolves host paths for one state directory. All per-group
// paths go through ValidateName so a hostile folder value cannot
// address another group's data.
type Layout struct {
	// StateDir is the root of all orchestrator state
	// (database, allowlist, global env, groups).
	StateDir string
}

// GroupsDir returns the directory containing all group folders.
func (l Layout) GroupsDir() string { return filepath.Join(l.StateDir, "groups") }

// GlobalDir returns the shared read-only directory mounted into every
// sandbox.
func (l Layout) GlobalDir() string { return filepath.Join(l.StateDir, "global") }

// GlobalEnvFile returns the global secrets file.
func (l Layout) GlobalEnvFile() string { return filepath.Join(l.StateDir, "global.env") }

// AllowlistFile returns the mount allowlist document path.
func (l Layout) AllowlistFile() string { return filepath.Join(l.StateDir, "mounts.json") }

// DatabaseFile returns the sqlite database path.
func (l Layout) DatabaseFile() string { return filepath.Join(l.StateDir, "groupclaw.db") }

// ErrorDir returns the directory receiving IPC files that failed
// processing. Shared across groups; filenames are prefixed with the
// source folder to avoid collisions.
func (l Layout) ErrorDir() string { return filepath.Join(l.StateDir, "ipc-errors") }

// GroupDir returns a group's root directory.
func (l Layout) GroupDir(folder string) (string, error) {
	if err := ValidateName(folder); err != nil {
		return "", err
	}
	return filepath.Join(l.GroupsDir(), folder), nil
}

// WorkspaceDir returns a group's agent workspace (mounted read-write
// at ContainerWorkspaceDir).
func (l Layout) WorkspaceDir(folder string) (string, error) {
	return l.groupSub(folder, "workspace")
}

// GroupEnvFile returns a group's secret-override file.
func (l Layout) GroupEnvFile(folder string) (string, error) {
	return l.groupSub(folder, ".env")
}

// InputDir returns the host→sandbox message directory.
func (l Layout) InputDir(folder string) (string, error) {
	return l.groupSub(folder, "ipc", "input")
}

// MessagesDir returns the sandbox→host outbound-effect directory.
func (l Layout) MessagesDir(folder string) (string, error) {
	return l.groupSub(folder, "ipc", "messages")
}

// TasksDir returns the sandbox→host task/administration directory.
func (l Layout) TasksDir(folder string) (string, error) {
	return l.groupSub(folder, "ipc", "tasks")
}

// AttachmentsDir returns the directory inbound media is copied into
// before the sandbox starts.
func (l Layout) AttachmentsDir(folder string) (string, error) {
	return l.groupSub(folder, "ipc", "attachments")
}

func (l Layout) groupSub(folder string, parts ...string) (string, error) {
	dir, err := l.GroupDir(folder)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

// EnsureGroupDirs creates the full directory tree for a group.
func (l Layout) EnsureGroupDirs(folder string) error {
	for _, f := range []func(string) (string, error){
		l.WorkspaceDir, l.InputDir, l.MessagesDir, l.TasksDir, l.AttachmentsDir,
	} {
		dir, err := f(folder)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return os.MkdirAll(l.ErrorDir(), 0o755)
}

// ResolveContainerPath maps a container path declared by a sandbox
// (e.g. an outbound image path) back to the host path it refers to.
// Only the workspace and IPC mounts are addressable; the cleaned path
// must stay inside its mount, so "../" cannot escape.
func (l Layout) ResolveContainerPath(folder, containerPath string) (string, error) {
	if err := ValidateName(folder); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + strings.TrimPrefix(containerPath, "/"))

	var base, rel string
	switch {
	case clean == ContainerWorkspaceDir || strings.HasPrefix(clean, ContainerWorkspaceDir+"/"):
		base, _ = l.WorkspaceDir(folder)
		rel = strings.TrimPrefix(clean, ContainerWorkspaceDir)
	case clean == ContainerIPCDir || strings.HasPrefix(clean, ContainerIPCDir+"/"):
		dir, _ := l.GroupDir(folder)
		base = filepath.Join(dir, "ipc")
		rel = strings.TrimPrefix(clean, ContainerIPCDir)
	default:
		return "", fmt.Errorf("container path %q is outside the group's mounts", containerPath)
	}

	host := filepath.Join(base, filepath.FromSlash(rel))
	// Clean already removed any "..", but verify containment anyway.
	if host != base && !strings.HasPrefix(host, base+string(filepath.Separator)) {
		return "", fmt.Errorf("container path %q escapes the group's mounts", containerPath)
	}
	return host, nil
}
