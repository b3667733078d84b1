// Package cli defines the command-line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "business-gemini",
	Short: "OpenAI-compatible gateway for the enterprise Gemini widget API",
	Long: `business-gemini fronts a pool of enterprise upstream accounts with an
OpenAI-compatible chat API: cookie-based credential exchange, per-account
session reuse, streaming translation, and generated-media relay.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config.yaml)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
