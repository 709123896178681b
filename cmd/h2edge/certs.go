package main

import (
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage TLS certificates",
	Long: `Manage the TLS certificates used to terminate client connections.

Subcommands:
  validate - Validate a certificate and key pair
  generate - Generate a self-signed certificate for testing

Examples:
  # Validate certificate and key
  h2edge certs validate --cert server.crt --key server.key

  # Generate self-signed certificate for testing
  h2edge certs generate --host localhost`,
}

func init() {
	rootCmd.AddCommand(certsCmd)
}
