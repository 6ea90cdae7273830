package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var (
	flagURL       string
	flagTransport string
	flagToken     string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:          "rtsync",
	Short:        "Realtime database CLI",
	Long:         "Command-line interface for rtsync.\nRead, write and watch a realtime database, or run a local emulator.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "database URL (overrides default.url)")
	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "", "force a transport: websocket or long_polling")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "auth token (overrides auth.token)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
