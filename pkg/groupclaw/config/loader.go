// Package config – loader.go reads the YAML config file with env
// variable expansion and .env overlay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and parses a YAML configuration file. .env files are
// loaded first (never overwriting real env vars) and ${VAR}
// references in the YAML are expanded before parsing.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}
	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes a Config as YAML with owner-only permissions.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile searches standard locations for a config file.
func FindFile() string {
	candidates := []string{
		"groupclaw.yaml",
		"groupclaw.yml",
		"config.yaml",
		"config.yml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables keep the placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// checkFilePermissions warns when the config file is group/world
// readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600")
	}
}
