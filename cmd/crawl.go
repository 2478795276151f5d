package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/server"
)

func newCrawlCmd() *cobra.Command {
	var toStdout bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the catalog once and save it",
		Long: `Runs one complete crawl and writes the snapshot to the configured store,
or to stdout with --stdout. Useful for seeding a cache before the first serve.`,
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
			defer app.Close()

			snap, err := app.Crawl(cmd.Context())
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			rt.logger.Info("crawl finished",
				zap.String("fingerprint", snap.Fingerprint()),
				zap.Int("leaves", snap.LeafCount()),
			)
			if toStdout {
				return writeSnapshot(cmd.OutOrStdout(), snap)
			}
			if err := app.Store().Save(cmd.Context(), snap); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "write the snapshot JSON to stdout instead of the store")
	return cmd
}

func writeSnapshot(w io.Writer, snap *catalog.Snapshot) error {
	data, err := catalog.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, string(data)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
