package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/takashabe/smart-web-search-mcp/internal/client"
	"github.com/takashabe/smart-web-search-mcp/internal/logger"
)

type clientOptions struct {
	url     string
	query   string
	timeout time.Duration
}

func NewClientCmd() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the WebSocket smoke test against a server",
		Long: `Connect to a running server and send initialize, tools/list and a
smart_web_search call, printing each response.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", client.DefaultURL, "server WebSocket URL")
	f.StringVar(&opts.query, "query", client.DefaultQuery, "query for smart_web_search")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall timeout")
	return cmd
}

func runClient(cmd *cobra.Command, opts *clientOptions) error {
	logger.Init("smart-web-search-client", "info", "console")

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)

	c, err := client.Dial(ctx, opts.url)
	if err != nil {
		return err
	}
	defer c.Close()

	exchanges, err := c.SmokeTest(ctx, opts.query)
	for _, ex := range exchanges {
		pretty, jerr := json.MarshalIndent(ex.Response, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "=== %s ===\n%s\n", ex.Method, pretty)
	}
	return err
}
