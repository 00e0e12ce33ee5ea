// Package cmd implements the stardsl command line interface.
package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/knossos/packages/stardsl/pkg/config"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/provider"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

var rootCmd = &cobra.Command{
	Use:   "stardsl",
	Short: "Starlark build scripts",
	Long: `This command evaluates the settings.star and build.star scripts of a build and runs its tasks.
Compiled scripts are kept in a local cache and reused as long as their inputs don't change.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	cfg        *config.Config
	projectDir string
	logger     zerolog.Logger
	// ctx carries the configured logger, it's set up before any command runs.
	ctx context.Context
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("project-dir", "p", "", "root directory of the build (default: the closest directory containing settings.star)")
	flags.String("home", "", "installation directory of the build host")
	flags.String("cache-dir", "", "directory for compiled scripts and downloaded artifacts")
	flags.Bool("recompile", false, "ignore previously compiled scripts")
	flags.BoolP("quiet", "q", false, "hide progress bars")
	flags.Bool("json", false, "print log messages as JSON")
	flags.String("log-level", "", "one of trace, debug, info, warn, error")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func setup(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	var err error
	projectDir, err = flags.GetString("project-dir")
	if err != nil {
		return err
	}

	if projectDir == "" {
		projectDir, err = findProjectDir()
		if err != nil {
			return err
		}
	}

	cfg, err = config.Load(projectDir)
	if err != nil {
		return err
	}

	if flags.Changed("home") {
		cfg.Home, _ = flags.GetString("home")
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("recompile") {
		cfg.RecompileScripts, _ = flags.GetBool("recompile")
	}
	if flags.Changed("quiet") {
		cfg.Quiet, _ = flags.GetBool("quiet")
	}
	if flags.Changed("json") {
		cfg.Log.JSON, _ = flags.GetBool("json")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}

	err = cfg.Validate()
	if err != nil {
		return err
	}

	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(NewConsoleWriter())
	}
	logger = logger.Level(cfg.LogLevel()).With().Timestamp().Logger()

	ctx = cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = support.WithLogger(ctx, &logger)
	return nil
}

// findProjectDir walks up from the working directory until it finds a settings.star file. If there is none,
// the closest directory with a build.star file is used and the working directory as a last resort.
func findProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	for _, name := range []string{host.SettingsFileName, host.BuildFileName} {
		path := wd
		for {
			_, err := os.Stat(filepath.Join(path, name))
			if err == nil {
				return path, nil
			}
			if !os.IsNotExist(err) {
				return "", eris.Wrapf(err, "failed to check %s", filepath.Join(path, name))
			}

			parent := filepath.Dir(path)
			if parent == path {
				break
			}
			path = parent
		}
	}

	return wd, nil
}

// configureBuild creates the build for projectDir and evaluates all of its scripts.
func configureBuild(ctx context.Context, tooling bool) (*host.Build, *provider.ScriptPluginFactory, error) {
	resolver := host.NewResolver(filepath.Join(cfg.CacheDir, "artifacts"))
	resolver.Client.Timeout = cfg.DownloadTimeout()
	resolver.Quiet = cfg.Quiet

	build, factory, err := provider.NewBuild(provider.Options{
		RootDir:          projectDir,
		Home:             cfg.Home,
		CacheDir:         cfg.CacheDir,
		RecompileScripts: cfg.RecompileScripts,
		Quiet:            cfg.Quiet,
		Resolver:         resolver,
		Tooling:          tooling,
	})
	if err != nil {
		return nil, nil, err
	}

	err = build.Configure(ctx)
	if err != nil {
		return nil, nil, err
	}

	return build, factory, nil
}
