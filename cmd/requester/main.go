// Package main runs the Requester: the HTTP API that owns Task and Pipeline
// records, together with the result collector, the lease monitor and the
// retention sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phrazzld/discover-tasks/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "requester",
		Short:        "Serve the task Requester API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configFile, config.RoleRequester)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			app, err := newApplication(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.cleanup()
			return app.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	return cmd
}
