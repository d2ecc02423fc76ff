package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/takashabe/smart-web-search-mcp/internal/config"
	"github.com/takashabe/smart-web-search-mcp/internal/logger"
	"github.com/takashabe/smart-web-search-mcp/internal/observability"
	"github.com/takashabe/smart-web-search-mcp/internal/server"
)

type serveOptions struct {
	transport string
	host      string
	port      int
	envFile   string
	logLevel  string
}

func NewServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server. Configuration comes from the environment (and an
optional .env file); flags override it. ANTHROPIC_API_KEY is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.transport, "transport", "", "transport: websocket or stdio (env MCP_TRANSPORT)")
	f.StringVar(&opts.host, "host", "", "WebSocket listen host (env WEBSOCKET_HOST)")
	f.IntVar(&opts.port, "port", 0, "WebSocket listen port (env WEBSOCKET_PORT)")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	return cmd
}

func loadServeConfig(cmd *cobra.Command, opts *serveOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = opts.transport
	}
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadServeConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger.Init(cfg.ServerName, cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.Setup(ctx, cfg, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("initialize observability")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown telemetry")
			}
		}()
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info().Msg("received shutdown signal")
		}
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	log.Info().Msg("server shutdown complete")
	return runErr
}
