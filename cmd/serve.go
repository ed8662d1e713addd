package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(factory appFactory) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP control plane",
		Long: `Starts the HTTP control plane. Swarms are started, extended and stopped
through /v1/swarm/*; events stream over /v1/swarm/events. The process
shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := factory(ctx, cfg)
			if err != nil {
				return err
			}
			if err := app.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}
