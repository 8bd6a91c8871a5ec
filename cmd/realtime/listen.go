package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/realtime-bridge/internal/config"
	"github.com/rickgao/realtime-bridge/internal/version"
)

func newListenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Subscribe to changes and print them until interrupted",
		Long: `listen connects to the realtime endpoint, subscribes to the configured
channels, signs in with the configured credentials, and prints each change.

The anonymous key is read from $` + config.AnonKeyEnv + ` unless the config file sets realtime.api_key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}

			cfg, err := config.LoadAndValidate(opts.configPath)
			if err != nil {
				logger.Error("failed to load config", "error", err)
				return err
			}

			logger.Info("starting realtime listener",
				"version", version.Version,
				"commit", version.Commit,
				"realtime", cfg.Realtime.Endpoint,
				"auth", cfg.Auth.Endpoint,
				"channels", len(cfg.Channels),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				logger.Error("failed to start", "error", err)
				return err
			}
			return a.run(ctx)
		},
	}
}
