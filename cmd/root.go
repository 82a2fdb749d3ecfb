package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "pushlite",
	Short:   "pushlite - channel-based push messaging server",
	Long:    `A single-binary publish/subscribe push server with a Pusher-compatible channel protocol and HTTP control plane.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate("pushlite version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
