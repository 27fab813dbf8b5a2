package commands

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// newConsoleCmd creates the `groupclaw console` command, a REPL that
// injects messages into a running daemon through the gateway.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console against a running daemon",
		Long: `Opens a REPL connected to the gateway of a running daemon.
Plain lines are delivered to the selected group as if they arrived in
chat; slash commands inspect the daemon.

Examples:
  groupclaw console --group 123456789@g.us --token <gateway-token>`,
		RunE: runConsole,
	}

	cmd.Flags().String("address", "127.0.0.1:8087", "gateway address")
	cmd.Flags().String("token", "", "gateway bearer token")
	cmd.Flags().String("group", "", "group JID to talk to")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	address, _ := cmd.Flags().GetString("address")
	token, _ := cmd.Flags().GetString("token")
	group, _ := cmd.Flags().GetString("group")

	client := newGatewayClient(address, token)
	if err := client.get("/health", nil); err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", address, err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "claw> ",
		HistoryFile:     "/tmp/groupclaw_console_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. /group <jid> selects a group, /help lists commands.")

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := consoleCommand(client, line, &group); quit {
				return nil
			}
			continue
		}

		if group == "" {
			fmt.Println("No group selected. Use /group <jid> first.")
			continue
		}
		sendConsoleMessage(client, group, line)
	}
}

// consoleCommand handles one slash command. Returns true to quit.
func consoleCommand(client *gatewayClient, line string, group *string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/group":
		if len(fields) < 2 {
			fmt.Printf("Current group: %s\n", valueOr(*group, "(none)"))
			return false
		}
		*group = fields[1]
		fmt.Printf("Talking to %s\n", *group)

	case "/groups":
		var groups []struct {
			JID    string `json:"jid"`
			Name   string `json:"name"`
			Folder string `json:"folder"`
		}
		if err := client.get("/api/groups", &groups); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		for _, g := range groups {
			fmt.Printf("  %-30s %-20s %s\n", g.JID, g.Folder, g.Name)
		}

	case "/status":
		var status map[string]any
		if err := client.get("/api/status", &status); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		out, _ := marshalIndent(status)
		fmt.Println(out)

	case "/run":
		if *group == "" {
			fmt.Println("No group selected. Use /group <jid> first.")
			return false
		}
		err := client.post("/api/enqueue", map[string]string{"groupJid": *group}, nil)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Println("Run enqueued.")

	case "/help":
		fmt.Println("  /group [jid]   select (or show) the target group")
		fmt.Println("  /groups        list registered groups")
		fmt.Println("  /status        show queue status")
		fmt.Println("  /run           enqueue a message run for the group")
		fmt.Println("  /quit          leave the console")

	default:
		fmt.Printf("Unknown command %s, try /help\n", fields[0])
	}
	return false
}

func sendConsoleMessage(client *gatewayClient, group, text string) {
	var resp struct {
		Delivered bool   `json:"delivered"`
		Via       string `json:"via"`
	}
	body := map[string]string{"groupJid": group, "text": text}
	if err := client.post("/api/send", body, &resp); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if resp.Delivered {
		fmt.Printf("Delivered (%s).\n", resp.Via)
	} else {
		fmt.Println("Queued; no sandbox picked it up yet.")
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
