package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/gateway"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// agentKeyName is the env var the sandboxes expect the agent API key
// under; setup stores it in the OS keyring under this name.
const agentKeyName = "ANTHROPIC_API_KEY"

// newSetupCmd creates the `groupclaw setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create the initial groupclaw.yaml.
Asks for the state directory, transport, main chat and gateway settings.
The agent API key goes into the OS keyring, never into the YAML file.

Examples:
  groupclaw setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	gatewayEnabled := false
	discordToken := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("State directory").
				Description("Root of all per-group workspaces and the database.").
				Value(&cfg.StateDir),

			huh.NewSelect[string]().
				Title("Chat transport").
				Options(
					huh.NewOption("WhatsApp (pairs via QR code)", "whatsapp"),
					huh.NewOption("Discord (bot token)", "discord"),
				).
				Value(&cfg.Transport),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Main chat address").
				Description("The privileged admin chat (e.g. 5511999998888@s.whatsapp.net).").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("the main chat is required")
					}
					return nil
				}).
				Value(&cfg.Orchestrator.MainJID),

			huh.NewInput().
				Title("Default trigger pattern").
				Description("Regular expression that wakes the agent in trigger-guarded groups.").
				Value(&cfg.Orchestrator.DefaultTrigger),

			huh.NewConfirm().
				Title("Enable the HTTP gateway?").
				Description("Local control API for injecting messages and checking status.").
				Value(&gatewayEnabled),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if cfg.Transport == "discord" {
		tokenForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		))
		if err := tokenForm.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
		cfg.Channels.Discord.Token = discordToken
	}

	// The gateway token is shown once; only its bcrypt hash is kept.
	cfg.Gateway.Enabled = gatewayEnabled
	var gatewayToken string
	if gatewayEnabled {
		gatewayToken = uuid.NewString()
		hash, err := gateway.HashToken(gatewayToken)
		if err != nil {
			return fmt.Errorf("hashing gateway token: %w", err)
		}
		cfg.Gateway.TokenHash = hash
	}

	keyStored := storeAgentKey(cfg.Sandbox.KeyringService)

	// ── Confirm and save ──
	target := "groupclaw.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := config.Save(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("%s created.\n", target)
	if keyStored {
		fmt.Println("Agent API key stored in the OS keyring.")
	} else {
		fmt.Printf("No API key stored. Put %s=... in %s/global.env before serving.\n",
			agentKeyName, cfg.StateDir)
	}
	if gatewayEnabled {
		fmt.Println()
		fmt.Println("Gateway token (shown once, save it now):")
		fmt.Printf("  %s\n", gatewayToken)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: groupclaw serve")
	if cfg.Transport == "whatsapp" {
		fmt.Println("  2. Scan the QR code with your WhatsApp")
	}
	fmt.Println()

	return nil
}

// storeAgentKey reads the agent API key with hidden input and stores
// it in the OS keyring. Returns false when nothing was stored.
func storeAgentKey(service string) bool {
	fmt.Printf("Agent API key (hidden, Enter to skip): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Printf("Could not read hidden input: %v\n", err)
		return false
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return false
	}
	if err := keyring.Set(service, agentKeyName, key); err != nil {
		fmt.Printf("OS keyring unavailable (%v), key not stored.\n", err)
		return false
	}
	return true
}
