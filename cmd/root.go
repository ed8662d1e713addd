// Package cmd defines the CLI commands for the crawl-swarm executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-swarm/internal/config"
	"github.com/JakeFAU/crawl-swarm/internal/controller"
	"github.com/JakeFAU/crawl-swarm/internal/server"
)

// App is the slice of server.App the commands use.
type App interface {
	Controller() *controller.Controller
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// appFactory builds the application from loaded configuration. Tests swap it
// for one that injects a scripted strategy.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

func defaultFactory(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg, server.Options{})
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

type configKey struct{}

type rootOptions struct {
	cfgFile string
	envFile string
}

func newRootCmd(factory appFactory) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawl-swarm",
		Short: "Coordinates a swarm of crawl workers over a prioritized target queue.",
		Long: `crawl-swarm distributes crawl targets across a supervised pool of
concurrent workers, broadcasts progress events and aggregates results. It can
serve an HTTP control plane or execute a one-shot batch of targets.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before config (default .env)")

	cmd.AddCommand(newServeCmd(factory))
	cmd.AddCommand(newRunCmd(factory))
	return cmd
}

func configFrom(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey{}).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(defaultFactory).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
