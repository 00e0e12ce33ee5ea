package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
)

var runCmd = &cobra.Command{
	Use:   "run [tasks...]",
	Short: "Run tasks",
	Long: `Evaluates the build and executes the given tasks and their dependencies. A plain task name runs the
task of that name in every project, a path such as ":sub:compile" selects a single task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		build, _, err := configureBuild(ctx, false)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			printTasks(cmd.OutOrStdout(), build)
			return nil
		}

		return build.RunTasks(ctx, args, host.RunOptions{
			DryRun: dryRun,
			Force:  force,
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		})
	},
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	rootCmd.AddCommand(runCmd)
}
