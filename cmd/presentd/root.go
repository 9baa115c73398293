package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "presentd",
	Short: "presentd - Digital wellbeing decision engine",
	Long: `presentd is the decision engine behind a digital wellbeing agent. It
runs focus sessions with app lockouts, tracks per-app daily open quotas with
streaks, and arbitrates every foreground-app change into an allow or block
verdict over a local control API.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/presentd/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
