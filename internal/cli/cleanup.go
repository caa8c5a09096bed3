package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired authorization codes and tokens once",
		Long: `Runs a single cleanup pass against the configured store. Useful as a
cron job when the server runs with cleanup_interval set to a negative value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			b, err := openBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			cleaned, err := b.Store.CleanupExpiredTokens(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			logger.Debug("Cleanup finished", "backend", cfg.Storage.Backend, "removed", cleaned)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", cleaned)
			return err
		},
	}
}
