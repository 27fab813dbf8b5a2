package commands

import (
	"fmt"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/workspace"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the `groupclaw status` command.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registered groups and scheduled tasks",
		Long: `Reads the state database directly and prints the registered groups
and their scheduled tasks. If the daemon's gateway is reachable, live
queue information is shown as well.

Examples:
  groupclaw status
  groupclaw status --token <gateway-token>`,
		RunE: runStatus,
	}

	cmd.Flags().String("token", "", "gateway bearer token for live queue info")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	layout := workspace.Layout{StateDir: cfg.StateDir}
	st, err := store.OpenSQLite(layout.DatabaseFile())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	groups, err := st.AllGroups()
	if err != nil {
		return err
	}
	fmt.Printf("Groups (%d):\n", len(groups))
	for _, g := range groups {
		mode := "always-on"
		if g.RequiresTrigger {
			mode = "trigger"
		}
		main := ""
		if g.JID == cfg.Orchestrator.MainJID {
			main = "  [main]"
		}
		fmt.Printf("  %-30s %-20s %-10s %s%s\n", g.JID, g.Folder, mode, g.Name, main)
	}

	tasks, err := st.AllTasks()
	if err != nil {
		return err
	}
	fmt.Printf("\nTasks (%d):\n", len(tasks))
	for _, t := range tasks {
		next := "-"
		if t.Status == store.TaskActive {
			next = t.NextRun.Format(time.DateTime)
		}
		fmt.Printf("  %-12s %-20s %-6s %-22s %s\n",
			t.ID, t.GroupFolder, t.Status, next, truncate(t.Prompt, 50))
	}

	// Live queue info is best effort; the daemon may not be running.
	if cfg.Gateway.Enabled {
		token, _ := cmd.Flags().GetString("token")
		client := newGatewayClient(cfg.Gateway.Address, token)
		var status map[string]any
		if err := client.get("/api/status", &status); err != nil {
			fmt.Printf("\nGateway at %s not reachable: %v\n", cfg.Gateway.Address, err)
			return nil
		}
		out, _ := marshalIndent(status)
		fmt.Printf("\nLive status:\n%s\n", out)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
