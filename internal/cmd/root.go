// Package cmd implements the smart-web-search-mcp command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCmd builds the command tree. Running without a subcommand serves.
func NewRootCmd() *cobra.Command {
	serve := NewServeCmd()

	root := &cobra.Command{
		Use:   "smart-web-search-mcp",
		Short: "MCP server exposing smart_web_search over WebSocket",
		Long: `smart-web-search-mcp is a Model Context Protocol server with a single tool,
smart_web_search, which answers a query with a live web search performed by
Claude through the Anthropic Messages API.

Clients connect over WebSocket (ws://localhost:8765 by default) or stdio.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(NewClientCmd())
	root.AddCommand(NewVersionCmd())
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
