package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccui-dev/ccui/internal/hooks"
)

var notifyPort int

var notifyCmd = &cobra.Command{
	Use:    "notify <session-id>",
	Short:  "📢 Tell the server a session's agent has stopped",
	Hidden: true, // the generated Stop hook does this with curl
	Long: `# 📢 Notify Command

Deliver the completion signal for a session by hand.

This command is useful for:
- Hosts without curl
- Unsticking a task whose Stop hook never fired
- Debugging hook delivery`,
	Example: `  # Signal a session on the default port
  ccui notify 2b7c9e4a-...

  # Signal a server on another port
  ccui notify --port 7000 2b7c9e4a-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := notifyPort
		if port == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			port = cfg.Port
		}

		fmt.Printf("📢 Signalling session %s on port %d\n", args[0], port)
		if err := hooks.Notify(cmd.Context(), port, args[0]); err != nil {
			return fmt.Errorf("notify failed: %w", err)
		}
		fmt.Println("✅ Session signalled")
		return nil
	},
}

func init() {
	notifyCmd.Flags().IntVar(&notifyPort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(notifyCmd)
}
