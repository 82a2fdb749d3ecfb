package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long:  `Creates a pushlite.yaml with a generated application credential.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		key, err := randomToken(12)
		if err != nil {
			return err
		}
		secret, err := randomToken(24)
		if err != nil {
			return err
		}

		content := fmt.Sprintf(`listen: ":8080"

log:
  level: info
  format: text

store:
  backend: memory
  path: pushlite.db
  timeout_seconds: 5

apps:
  - app_id: "1"
    app_key: %s
    app_secret: %s

# webhooks:
#   - url: http://127.0.0.1:8787/webhook
#     key: %s
#     secret: YOUR_WEBHOOK_SECRET
#     max_length: 4096
#     prefetch_count: 5
#     policy: drop-oldest
#     events: [member_added, member_removed, client_event, server_event, channel_occupied, channel_vacated]
`, key, secret, key)

		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Initialized configuration at %s\n", path)
		fmt.Printf("  app_id: 1\n  app_key: %s\n", key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("config", "pushlite.yaml", "Path to configuration file")
}
