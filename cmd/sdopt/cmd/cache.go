package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the workflow engine cache",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete the workflow engine cache",
	Long: `Deletes the workflow engine cache under {root}/cache. Materialized source
pipelines under {root}/sources are kept; use "optimize --refresh-source" to
download them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := setup(cmd.Context(), cfg, setupOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if err := cleanCache(a); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", cfg.CacheDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
}

// cleanCache removes the workflow cache; a missing cache is not an error
func cleanCache(a *app) error {
	dir := a.cfg.CacheDir()
	if err := a.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove cache %s: %w", dir, err)
	}
	a.logger.Info("cache cleared", "dir", dir)
	return nil
}
