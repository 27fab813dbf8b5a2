package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Orchestrator.MainJID = "main@s.whatsapp.net"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("defaults plus main jid pass", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("missing main jid fails", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err == nil {
			t.Error("expected error without main_jid")
		}
	})

	t.Run("bad transport fails", func(t *testing.T) {
		cfg := validConfig()
		cfg.Transport = "telegram"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unknown transport")
		}
	})

	t.Run("bad log level fails", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unknown log level")
		}
	})
}

func TestParse(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
state_dir: /var/lib/groupclaw
queue:
  max_concurrent: 7
ipc:
  poll_interval: 5s
`))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.StateDir != "/var/lib/groupclaw" {
			t.Errorf("state_dir = %q", cfg.StateDir)
		}
		if cfg.Queue.MaxConcurrent != 7 {
			t.Errorf("max_concurrent = %d", cfg.Queue.MaxConcurrent)
		}
		if cfg.IPC.PollInterval != 5*time.Second {
			t.Errorf("poll_interval = %v", cfg.IPC.PollInterval)
		}
		// Untouched values keep their defaults.
		if cfg.Queue.RetryLimit != 5 {
			t.Errorf("retry_limit = %d, want default", cfg.Queue.RetryLimit)
		}
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		if _, err := Parse([]byte("state_dir: [")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GROUPCLAW_TEST_DIR", "/tmp/claw-state")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("state_dir: ${GROUPCLAW_TEST_DIR}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/tmp/claw-state" {
		t.Errorf("state_dir = %q, want expanded env value", cfg.StateDir)
	}
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(validConfig(), path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %04o, want 0600", perm)
	}
}
