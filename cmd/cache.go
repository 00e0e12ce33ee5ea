package cmd

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/knossos/packages/stardsl/pkg/cache"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local build cache",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove all compiled scripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := cache.New(filepath.Join(cfg.CacheDir, "scripts")).Clean(ctx)
		if err != nil {
			return err
		}

		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		if all {
			artifacts := filepath.Join(cfg.CacheDir, "artifacts")
			err = os.RemoveAll(artifacts)
			if err != nil {
				return eris.Wrapf(err, "failed to remove %s", artifacts)
			}
		}

		support.Log(ctx).Info().Msgf("Cleaned %s", cfg.CacheDir)
		return nil
	},
}

func init() {
	cacheCleanCmd.Flags().Bool("all", false, "also remove downloaded artifacts")
	cacheCmd.AddCommand(cacheCleanCmd)
	rootCmd.AddCommand(cacheCmd)
}
