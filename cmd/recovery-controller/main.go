package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recovery-controller",
	Short: "Recovers virtual machines from failed compute hosts",
	Long: `recovery-controller receives host, instance and process failure
notifications, claims spare hosts and drives evacuation or restart of the
affected instances through the compute control plane.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("recovery-controller version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "path to config.yaml (defaults to ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
