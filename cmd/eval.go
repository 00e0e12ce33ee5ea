package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate all scripts of the build",
	Long:  `Evaluates settings.star and the build.star of every included project, then lists the projects and their tasks.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		build, _, err := configureBuild(ctx, false)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Projects:")
		for _, project := range build.AllProjects() {
			fmt.Fprintf(out, " * %s (%s)\n", project.Path(), host.SimplifyPath(build.RootDir, project.ProjectDir()))
		}
		fmt.Fprintln(out)

		printTasks(out, build)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evalCmd)
}

// printTasks lists all visible tasks with their descriptions.
func printTasks(out io.Writer, build *host.Build) {
	fmt.Fprintln(out, "Available tasks:")
	maxNameLen := 0
	descriptions := make(map[string]string)
	sortedNames := make([]string, 0)
	for _, project := range build.AllProjects() {
		for _, name := range project.Tasks().Names() {
			task := project.Tasks().Get(name)
			path := task.Path()
			if len(path) > maxNameLen {
				maxNameLen = len(path)
			}

			descriptions[path] = task.Description
			sortedNames = append(sortedNames, path)
		}
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Fprintf(out, lineFmt, name+":", descriptions[name])
	}
}
