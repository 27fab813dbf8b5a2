package mounts

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGateDeniesWithoutAllowlist(t *testing.T) {
	g := NewGate(nil, testLogger())
	d := g.Validate(Request{HostPath: "/tmp"}, true)
	if d.Allowed {
		t.Fatal("expected denial with no allowlist")
	}
}

func TestGateContainerPathValidation(t *testing.T) {
	root := t.TempDir()
	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	sub := filepath.Join(root, "data")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	t.Run("absolute container path denied", func(t *testing.T) {
		d := g.Validate(Request{HostPath: sub, ContainerPath: "/abs"}, true)
		if d.Allowed {
			t.Error("absolute container path should be denied")
		}
	})

	t.Run("parent reference denied", func(t *testing.T) {
		d := g.Validate(Request{HostPath: sub, ContainerPath: "a/../../b"}, true)
		if d.Allowed {
			t.Error("container path with .. should be denied")
		}
	})

	t.Run("container path derived from host path", func(t *testing.T) {
		d := g.Validate(Request{HostPath: sub}, true)
		if !d.Allowed {
			t.Fatalf("expected allow, got: %s", d.Reason)
		}
		if d.ContainerPath != "data" {
			t.Errorf("container path = %q, want %q", d.ContainerPath, "data")
		}
	})
}

func TestGateMissingHostPath(t *testing.T) {
	root := t.TempDir()
	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	d := g.Validate(Request{HostPath: filepath.Join(root, "nope")}, true)
	if d.Allowed {
		t.Fatal("missing host path should be denied")
	}
}

func TestGateOutsideAllowedRoots(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	d := g.Validate(Request{HostPath: outside}, true)
	if d.Allowed {
		t.Fatalf("path outside allowed roots should be denied, got: %+v", d)
	}
}

func TestGateSymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "innocent")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	// The declared path is under the root, but its real target is not.
	d := g.Validate(Request{HostPath: link}, true)
	if d.Allowed {
		t.Fatalf("symlink escaping the root should be denied, got: %+v", d)
	}
}

func TestGateBlockedSegmentThroughSymlink(t *testing.T) {
	root := t.TempDir()
	sshDir := filepath.Join(root, ".ssh")
	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "notes")
	if err := os.Symlink(sshDir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	d := g.Validate(Request{HostPath: link}, true)
	if d.Allowed {
		t.Fatalf("blocked segment reached through symlink should be denied, got: %+v", d)
	}
}

func TestGateBlockedSegmentCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Secrets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	d := g.Validate(Request{HostPath: dir}, true)
	if d.Allowed {
		t.Fatal("blocked segment should match case-insensitively")
	}
}

func TestGateEffectiveReadOnly(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "x")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	t.Run("main group keeps requested read-write", func(t *testing.T) {
		g := NewGate(&Allowlist{
			AllowedRoots:    []AllowedRoot{{Path: root, AllowReadWrite: true}},
			NonMainReadOnly: true,
		}, testLogger())
		d := g.Validate(Request{HostPath: sub, ReadOnly: false}, true)
		if !d.Allowed {
			t.Fatalf("expected allow, got: %s", d.Reason)
		}
		if d.ReadOnly {
			t.Error("main group request should stay read-write")
		}
	})

	t.Run("non-main group is forced read-only", func(t *testing.T) {
		g := NewGate(&Allowlist{
			AllowedRoots:    []AllowedRoot{{Path: root, AllowReadWrite: true}},
			NonMainReadOnly: true,
		}, testLogger())
		d := g.Validate(Request{HostPath: sub, ReadOnly: false}, false)
		if !d.Allowed {
			t.Fatalf("expected allow, got: %s", d.Reason)
		}
		if !d.ReadOnly {
			t.Error("non-main group should be forced read-only")
		}
	})

	t.Run("read-only root forces read-only", func(t *testing.T) {
		g := NewGate(&Allowlist{
			AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: false}},
		}, testLogger())
		d := g.Validate(Request{HostPath: sub, ReadOnly: false}, true)
		if !d.Allowed {
			t.Fatalf("expected allow, got: %s", d.Reason)
		}
		if !d.ReadOnly {
			t.Error("root without read-write should force read-only")
		}
	})
}

func TestValidateBatchFiltersDenials(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "good")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatal(err)
	}

	g := NewGate(&Allowlist{
		AllowedRoots: []AllowedRoot{{Path: root, AllowReadWrite: true}},
	}, testLogger())

	decisions := g.ValidateBatch([]Request{
		{HostPath: good},
		{HostPath: "/nonexistent/nope"},
	}, "family", false)

	if len(decisions) != 1 {
		t.Fatalf("expected 1 allowed decision, got %d", len(decisions))
	}
	if decisions[0].ContainerPath != "good" {
		t.Errorf("unexpected container path: %q", decisions[0].ContainerPath)
	}
}

func TestLoadAllowlist(t *testing.T) {
	t.Run("missing file returns nil without error", func(t *testing.T) {
		doc, err := LoadAllowlist(filepath.Join(t.TempDir(), "mounts.json"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if doc != nil {
			t.Error("expected nil allowlist for missing file")
		}
	})

	t.Run("parses a document", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mounts.json")
		content := `{"allowedRoots":[{"path":"/data","allowReadWrite":true}],"blockedPatterns":["vault"],"nonMainReadOnly":true}`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		doc, err := LoadAllowlist(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(doc.AllowedRoots) != 1 || !doc.NonMainReadOnly {
			t.Errorf("unexpected document: %+v", doc)
		}
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mounts.json")
		if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadAllowlist(path); err == nil {
			t.Error("expected parse error")
		}
	})
}
