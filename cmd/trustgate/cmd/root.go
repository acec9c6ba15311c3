// Package cmd provides the CLI commands for the trust gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "trustgate - local trust gateway for agent tool calls",
	Long: `trustgate sits between AI agents and third-party provider accounts.

Agents connect over a session-scoped JSON-RPC surface and see a small set
of universal tools. Every call is checked against the policy rule set,
identifiers are swapped for opaque virtual ids, credentials stay encrypted
at rest, and every call lands in the append-only audit log.

Quick start:
  1. trustgate serve
  2. Connect an account: GET /oauth/<provider>/start
  3. Point your agent at http://localhost:3000/mcp

Configuration comes from trustgate.yaml (current directory or
$HOME/.trustgate/) plus environment variables: PORT, HOST, LOG_LEVEL,
CORS_ORIGIN, DATABASE_URL, ENCRYPTION_KEY_PATH.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./trustgate.yaml)")
}
