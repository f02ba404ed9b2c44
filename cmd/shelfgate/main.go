package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/cache"
	"github.com/mohammad-safakhou/shelfgate/internal/logging"
	"github.com/mohammad-safakhou/shelfgate/internal/server"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	root := &cobra.Command{Use: "shelfgate", SilenceUsage: true}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	root.AddCommand(serveCMD(&cfgPath), configCMD(&cfgPath))
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func configCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stdout, cfg.General)

	tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	if cfg.Telemetry.TracingEnabled {
		logger.Info("tracing enabled", "endpoint", cfg.Telemetry.OTLPEndpoint, "sample_ratio", cfg.Telemetry.SampleRatio)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			logger.Warn("trace flush failed", "err", err)
		}
	}()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics = telemetry.NewMetrics()
	}

	var store cache.Cache = cache.NewMemory()
	if cfg.Redis.Enabled {
		client, err := cache.Conn(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		store = cache.NewRedis(client, cfg.Redis.Prefix)
		logger.Info("using redis for idempotency and sessions", "addr", fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port))
	}

	srv, err := server.New(cfg, server.Deps{Cache: store, Metrics: metrics, Logger: logger})
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Server.Address)
}
