package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage application credentials",
	Long:  `Commands for generating application credentials for pushlite.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an app_key and app_secret pair",
	Long:  `Generates a fresh application credential to paste into the apps section of the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := randomToken(12)
		if err != nil {
			return fmt.Errorf("failed to generate app_key: %w", err)
		}
		secret, err := randomToken(24)
		if err != nil {
			return fmt.Errorf("failed to generate app_secret: %w", err)
		}

		fmt.Printf("app_key: %s\napp_secret: %s\n", key, secret)
		return nil
	},
}

// randomToken returns n random bytes hex-encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
}
