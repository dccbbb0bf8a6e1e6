package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Multi-tenant MCP tool-server gateway",
	Long: `Toolgate supervises a pool of MCP tool servers (child processes
speaking JSON-RPC 2.0 over stdio) and exposes them through a stable HTTP
surface: REST tool invocation, an SSE session transport, and management
endpoints. Users with environment overrides get dedicated private child
instances on demand.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
