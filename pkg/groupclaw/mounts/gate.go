// Package mounts implements the mount security gate. Every extra
// filesystem mount a group asks for is checked against an
// administrator-maintained allowlist before its sandbox starts. The
// gate resolves symlinks and matches blocked path segments on the
// real path, so a harmlessly named link cannot smuggle a credential
// directory into a container.
package mounts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Allowlist is the administrator-defined mount policy, loaded once at
// startup and treated as immutable. A missing document means no extra
// mounts are permitted at all.
type Allowlist struct {
	// AllowedRoots are the only directories extra mounts may come from.
	AllowedRoots []AllowedRoot `json:"allowedRoots"`

	// BlockedPatterns are path segment names that are always denied,
	// merged with the built-in defaults. Matched case-insensitively
	// against every segment of the resolved real path.
	BlockedPatterns []string `json:"blockedPatterns"`

	// NonMainReadOnly forces read-only mounts for every group except
	// the main group, regardless of per-root permissions.
	NonMainReadOnly bool `json:"nonMainReadOnly"`
}

// AllowedRoot is one permitted mount source directory.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// Request describes one mount a group wants.
type Request struct {
	// HostPath is the path on the host to mount.
	HostPath string `json:"hostPath" yaml:"host_path"`

	// ContainerPath is an optional explicit path inside the container,
	// relative to the extra-mount root. Derived from the host path's
	// final segment when empty.
	ContainerPath string `json:"containerPath,omitempty" yaml:"container_path,omitempty"`

	// ReadOnly requests a read-only mount. The effective flag may be
	// forced to true by policy even when this is false.
	ReadOnly bool `json:"readOnly,omitempty" yaml:"read_only,omitempty"`
}

// Decision is the gate's verdict for one request. Computed fresh per
// request; nothing is cached except the parsed allowlist itself.
type Decision struct {
	Allowed bool

	// Reason explains a denial.
	Reason string

	// RealPath is the symlink-resolved host path (allowed decisions only).
	RealPath string

	// ContainerPath is the resolved container-relative path.
	ContainerPath string

	// ReadOnly is the effective read-only flag.
	ReadOnly bool
}

// defaultBlockedPatterns are always merged into the allowlist's
// blocked set. They cover credential-like directory and file names.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	".netrc",
	".npmrc",
	".pypirc",
	"credentials",
	"credential",
	"secrets",
	"secret",
	"private",
	"id_rsa",
	"id_ed25519",
	".env",
	"token",
	"tokens",
	".password-store",
}

// Gate validates mount requests against a loaded allowlist.
type Gate struct {
	allowlist *Allowlist
	blocked   map[string]bool
	logger    *slog.Logger
}

// NewGate creates a gate for the given allowlist. A nil allowlist
// denies everything.
func NewGate(allowlist *Allowlist, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		allowlist: allowlist,
		blocked:   make(map[string]bool),
		logger:    logger.With("component", "mounts"),
	}
	for _, p := range defaultBlockedPatterns {
		g.blocked[strings.ToLower(p)] = true
	}
	if allowlist != nil {
		for _, p := range allowlist.BlockedPatterns {
			g.blocked[strings.ToLower(p)] = true
		}
	}
	return g
}

// LoadAllowlist reads the allowlist document from disk. A missing file
// is not an error: it returns a nil allowlist, which denies all mounts.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading mount allowlist: %w", err)
	}
	var doc Allowlist
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing mount allowlist %s: %w", path, err)
	}
	return &doc, nil
}

// Validate checks one mount request. isMain marks the privileged
// group, which may be exempt from the forced read-only policy.
func (g *Gate) Validate(req Request, isMain bool) Decision {
	if g.allowlist == nil {
		return deny("no mount allowlist configured")
	}

	containerPath := req.ContainerPath
	if containerPath == "" {
		containerPath = filepath.Base(req.HostPath)
	}
	if filepath.IsAbs(containerPath) {
		return deny(fmt.Sprintf("container path %q must be relative", containerPath))
	}
	for _, seg := range strings.Split(filepath.ToSlash(containerPath), "/") {
		if seg == ".." {
			return deny(fmt.Sprintf("container path %q contains a parent reference", containerPath))
		}
	}

	if _, err := os.Stat(req.HostPath); err != nil {
		return deny(fmt.Sprintf("host path %q does not exist", req.HostPath))
	}

	realPath, err := filepath.EvalSymlinks(req.HostPath)
	if err != nil {
		return deny(fmt.Sprintf("cannot resolve %q: %v", req.HostPath, err))
	}

	// Blocked patterns match the resolved path, segment by segment, so
	// an innocuous symlink name cannot hide a sensitive target.
	for _, seg := range strings.Split(filepath.ToSlash(realPath), "/") {
		if seg != "" && g.blocked[strings.ToLower(seg)] {
			return deny(fmt.Sprintf("path segment %q is blocked", seg))
		}
	}

	root, rootReal := g.matchRoot(realPath)
	if root == nil {
		return deny(fmt.Sprintf("%q is not under any allowed root", realPath))
	}

	readOnly := req.ReadOnly
	if !root.AllowReadWrite {
		readOnly = true
	}
	if g.allowlist.NonMainReadOnly && !isMain {
		readOnly = true
	}

	return Decision{
		Allowed:       true,
		RealPath:      realPath,
		ContainerPath: containerPath,
		ReadOnly:      readOnly,
		Reason:        fmt.Sprintf("under allowed root %s", rootReal),
	}
}

// ValidateBatch applies Validate to a set of requests and filters out
// denials instead of failing the batch: one bad mount must not block
// an otherwise valid sandbox start. Denials are logged.
func (g *Gate) ValidateBatch(reqs []Request, groupFolder string, isMain bool) []Decision {
	var allowed []Decision
	for _, req := range reqs {
		d := g.Validate(req, isMain)
		if !d.Allowed {
			g.logger.Warn("mounts: denied extra mount",
				"group", groupFolder,
				"host_path", req.HostPath,
				"reason", d.Reason)
			continue
		}
		allowed = append(allowed, d)
	}
	return allowed
}

// matchRoot finds the longest allowed root whose resolved path is a
// prefix of (or equal to) realPath.
func (g *Gate) matchRoot(realPath string) (*AllowedRoot, string) {
	var best *AllowedRoot
	var bestReal string
	for i := range g.allowlist.AllowedRoots {
		root := &g.allowlist.AllowedRoots[i]
		rootReal, err := filepath.EvalSymlinks(root.Path)
		if err != nil {
			// Roots that do not exist simply never match.
			continue
		}
		if realPath != rootReal && !strings.HasPrefix(realPath, rootReal+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(rootReal) > len(bestReal) {
			best = root
			bestReal = rootReal
		}
	}
	return best, bestReal
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}
