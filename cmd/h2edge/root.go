package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "h2edge",
	Short: "h2edge - TLS-terminating HTTP/1.1 and HTTP/2 reverse proxy",
	Long: `h2edge is a reverse proxy that terminates TLS and HTTP/2 in front of a
single backend.

For every client connection it:
  - Selects HTTP/2 or HTTP/1.1 from ALPN, the HTTP/2 client preface or an
    "Upgrade: h2c" request
  - Shapes TLS writes so output after an idle period starts small
  - Borrows backend connections from a per-worker pool and stops dialing
    a backend that keeps refusing connections`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
