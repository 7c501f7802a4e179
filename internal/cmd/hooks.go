package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccui-dev/ccui/internal/hooks"
)

var hooksPort int

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "🪝 Inspect the agent hook settings ccui generates",
	Long: `# 🪝 Agent Hooks

Every session gets its own settings file that makes the agent's **Stop** event
POST back to the server, which moves the task to review.

The server writes and removes these files itself. These commands exist to
inspect them, or to run an agent by hand against a session.`,
}

var hooksPrintCmd = &cobra.Command{
	Use:   "print <session-id>",
	Short: "Print the settings document for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, port, err := hookGenerator()
		if err != nil {
			return err
		}
		settings := hooks.Settings(gen.Dir(args[0]), port, args[0])
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install <session-id>",
	Short: "Write the hook settings for a session and print their path",
	Example: `  # Run the agent by hand with a session's hooks
  claude --settings "$(ccui hooks install 2b7c9e4a-...)"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, port, err := hookGenerator()
		if err != nil {
			return err
		}
		path, err := gen.CreateHookSettings(args[0], port)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var hooksRemoveCmd = &cobra.Command{
	Use:   "remove <session-id>",
	Short: "Delete a session's hook directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, _, err := hookGenerator()
		if err != nil {
			return err
		}
		gen.CleanupHookSettings(args[0])
		return nil
	},
}

func init() {
	hooksCmd.PersistentFlags().IntVar(&hooksPort, "port", 0, "server port (default from config)")
	hooksCmd.AddCommand(hooksPrintCmd, hooksInstallCmd, hooksRemoveCmd)
	rootCmd.AddCommand(hooksCmd)
}

func hookGenerator() (*hooks.Generator, int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	port := cfg.Port
	if hooksPort != 0 {
		port = hooksPort
	}
	return hooks.NewGenerator(cfg.HooksDir), port, nil
}
