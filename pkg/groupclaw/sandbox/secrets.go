// Package sandbox – secrets.go resolves the environment a sandbox
// starts with. Secrets come from a global env file, overridden
// key-by-key by a group-local env file; a group file cannot introduce
// keys the global set does not define, so one group cannot grant
// itself credentials the operator never issued.
package sandbox

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// agentKeyName is the env var carrying the agent API key, and the
// keyring account name used as a fallback source for it.
const agentKeyName = "ANTHROPIC_API_KEY"

// resolveSecrets builds the secret env set for one group.
func resolveSecrets(globalEnvPath, groupEnvPath, keyringService string, logger *slog.Logger) map[string]string {
	secrets, err := godotenv.Read(globalEnvPath)
	if err != nil {
		secrets = make(map[string]string)
	}

	if groupEnvPath != "" {
		if overrides, err := godotenv.Read(groupEnvPath); err == nil {
			for k, v := range overrides {
				// Unknown keys in the group file are ignored.
				if _, known := secrets[k]; known {
					secrets[k] = v
				} else {
					logger.Debug("sandbox: ignoring unknown key in group env file", "key", k)
				}
			}
		}
	}

	if secrets[agentKeyName] == "" && keyringService != "" {
		if key, err := keyring.Get(keyringService, agentKeyName); err == nil && key != "" {
			secrets[agentKeyName] = key
		}
	}

	return secrets
}
