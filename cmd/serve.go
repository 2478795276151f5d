package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/vision-catalog/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP and WebSocket and refresh it periodically",
		Long: `Loads the cached catalog (or crawls it when no cache exists), starts the
HTTP and WebSocket server and re-crawls every refresh.interval_minutes.
Subscribers are pushed the new catalog whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
