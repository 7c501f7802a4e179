package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccui-dev/ccui/internal/middleware"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "🔑 Mint an access token for a browser or script",
	Long: `# 🔑 Token

Print a signed token for a server started with **CCUI_AUTH_SECRET**. Pass it as
a bearer token, the **ccui_token** cookie, or the **?token=** query parameter.`,
	Example: `  CCUI_AUTH_SECRET=... ccui token --ttl 8h`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := middleware.GenerateToken(os.Getenv(middleware.SecretEnv), "cli", tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
