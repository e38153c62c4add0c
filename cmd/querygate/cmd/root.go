// Package cmd provides the CLI commands for querygate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/query-gate/querygate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "querygate",
	Short: "querygate - security-gated database tool server",
	Long: `querygate is a tool-execution server that mediates database access for
AI agents over JSON-RPC on stdio.

Every tool call passes a fail-closed enforcement pipeline: session context
verification, capability evaluation, guard rules, quota admission, input
validation, and static SQL validation, with an audit event per call.

Quick start:
  1. Create a config file: querygate.yaml
  2. Export the session environment (MCP_SESSION_IDENTITY,
     MCP_SESSION_TENANT, MCP_CAPABILITIES, AUDIT_SECRET)
  3. Run: querygate serve

Configuration:
  Config is loaded from querygate.yaml in the current directory,
  $HOME/.querygate/, or /etc/querygate/.

  Environment variables can override config values with the QUERYGATE_
  prefix. Example: QUERYGATE_ADAPTER_BACKEND=postgres

Commands:
  serve        Serve tool calls on stdio
  fingerprint  Print the audit fingerprint of a SQL statement
  hash-secret  Generate an argon2id hash for the launcher token
  config       Inspect the effective configuration
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./querygate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
