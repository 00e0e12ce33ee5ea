package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// RunOptions control task execution.
type RunOptions struct {
	// DryRun logs shell commands without running them.
	DryRun bool
	// Force ignores up-to-date checks for the requested tasks.
	Force bool
	// Stdout and Stderr receive the output of shell commands. nil means os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		build    *Build
		opts     RunOptions
		runTasks map[string]bool
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	rctx, _ := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	return rctx
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, info)
	}
	return result, nil
}

func resolvePatternLists(base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	for _, item := range patterns {
		if !filepath.IsAbs(item) {
			item = filepath.Join(base, item)
		}
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// unmatched patterns are returned as is
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// ShellAction runs cmds with the task's base directory and environment.
func ShellAction(cmds []string) TaskAction {
	return func(ctx context.Context, task *Task) error {
		var opts RunOptions
		if rctx := getRuntimeCtx(ctx); rctx != nil {
			opts = rctx.opts
		}

		stdout := opts.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}

		runner, err := interp.New(
			interp.Dir(task.Base),
			interp.Env(getTaskEnv(task)),
			interp.OpenHandler(openHandler),
			interp.StdIO(nil, stdout, stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return eris.Wrap(err, "failed to initialize runner")
		}

		parser := syntax.NewParser()
		printer := syntax.NewPrinter(syntax.Minify(true))
		strBuffer := strings.Builder{}

		for idx, cmd := range cmds {
			file, err := parser.Parse(strings.NewReader(cmd), fmt.Sprintf("%s:%d", task.Path(), idx))
			if err != nil {
				return eris.Wrapf(err, "failed to parse command %s", cmd)
			}

			for _, stm := range file.Stmts {
				strBuffer.Reset()
				err = printer.Print(&strBuffer, stm)
				if err != nil {
					return eris.Wrap(err, "failed to print command")
				}

				support.Log(ctx).Info().
					Str("task", task.Path()).
					Bool("command", true).
					Msg(strBuffer.String())

				if opts.DryRun {
					continue
				}

				err = runner.Run(ctx, stm)
				if err != nil {
					return err
				}

				if runner.Exited() {
					return nil
				}
			}

			if err = ctx.Err(); err != nil {
				return err
			}
		}

		return nil
	}
}

// RunTasks executes the named tasks and their dependencies. A plain name selects the task of that name in
// every project, a qualified path such as ":sub:compile" selects a single task.
func (b *Build) RunTasks(ctx context.Context, names []string, opts RunOptions) error {
	rctx := &runtimeCtx{
		build:    b,
		opts:     opts,
		runTasks: make(map[string]bool),
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, rctx)

	for _, name := range names {
		tasks := b.SelectTasks(name)
		if len(tasks) == 0 {
			return eris.Errorf("Task %s not found", name)
		}

		for _, task := range tasks {
			err := runTaskInternal(ctx, task, opts.Force)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// SelectTasks returns the tasks matching a name or qualified task path.
func (b *Build) SelectTasks(name string) []*Task {
	if strings.HasPrefix(name, ":") {
		task := b.FindTask(name)
		if task == nil {
			return nil
		}
		return []*Task{task}
	}

	result := []*Task{}
	for _, project := range b.AllProjects() {
		task := project.tasks.Get(name)
		if task != nil {
			result = append(result, task)
		}
	}
	return result
}

// FindTask looks up a qualified task path.
func (b *Build) FindTask(path string) *Task {
	idx := strings.LastIndex(path, ":")
	if idx < 0 {
		return nil
	}

	projectPath := path[:idx]
	if projectPath == "" {
		projectPath = ":"
	}

	project := b.FindProject(projectPath)
	if project == nil {
		return nil
	}
	return project.tasks.Get(path[idx+1:])
}

func (b *Build) resolveDependency(task *Task, dep string) *Task {
	if strings.HasPrefix(dep, ":") {
		return b.FindTask(dep)
	}
	if task.project == nil {
		return nil
	}
	return task.project.tasks.Get(dep)
}

func runTaskInternal(ctx context.Context, task *Task, force bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runTasks[task.Path()]
	if ok {
		if status {
			support.Log(ctx).Debug().Msgf("Task %s already run", task.Path())
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Path())
	}

	rctx.runTasks[task.Path()] = false

	for _, dep := range task.Dependencies() {
		depTask := rctx.build.resolveDependency(task, dep)
		if depTask == nil {
			return eris.Errorf("Task %s not found", dep)
		}

		err := runTaskInternal(ctx, depTask, false)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Path(), dep)
		}
	}

	if !force {
		upToDate, err := isUpToDate(ctx, task)
		if err != nil {
			return err
		}

		if upToDate {
			rctx.runTasks[task.Path()] = true
			return nil
		}
	}

	support.Log(ctx).Debug().Str("task", task.Path()).Msg("Running task")
	for _, action := range task.Actions() {
		err := action(ctx, task)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed", task.Path())
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.runTasks[task.Path()] = true
	return nil
}

func isUpToDate(ctx context.Context, task *Task) (bool, error) {
	skipList, err := resolvePatternLists(task.Base, task.SkipIfExists)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve skip_if_exists list")
	}

	found := 0
	for _, item := range skipList {
		_, err := os.Stat(item)
		if err == nil {
			found++
		} else if !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "failed to check %s", item)
		}
	}

	if found > 0 && found == len(skipList) {
		support.Log(ctx).Info().
			Str("task", task.Path()).
			Msg("skipped because all skip files exist")
		return true, nil
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve outputs")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return false, nil
	}

	var newestOutput time.Time
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if info.ModTime().After(newestOutput) {
			newestOutput = info.ModTime()
		}
	}

	if newestOutput.After(newestInput) {
		support.Log(ctx).Info().
			Str("task", task.Path()).
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}
