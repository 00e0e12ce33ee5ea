package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var classpathCmd = &cobra.Command{
	Use:   "classpath",
	Short: "Print the script classpath of every project",
	Long: `Evaluates the build in tooling mode and prints the classpath each build script was compiled against.
Failing script blocks are logged and skipped so that editors still get a usable classpath.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		build, factory, err := configureBuild(ctx, true)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, project := range build.AllProjects() {
			cp, ok := factory.ProjectClassPath(project.Path())
			if !ok {
				continue
			}

			fmt.Fprintf(out, "%s:\n", project.Path())
			for _, entry := range cp.Entries() {
				fmt.Fprintf(out, "  %s\n", entry)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(classpathCmd)
}
