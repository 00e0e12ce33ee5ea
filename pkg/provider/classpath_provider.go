// Package provider evaluates build scripts: it assembles the classpaths scripts are compiled against and
// runs their blocks and bodies in order.
package provider

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/ngld/knossos/packages/stardsl/pkg/cache"
	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/codegen"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

const (
	apiExtensionsFile    = "stardsl-api-extensions.kar"
	apiExtensionsVersion = "1"
)

// ProgressMonitorProvider creates the progress indicators shown while archives are generated.
type ProgressMonitorProvider struct {
	Quiet  bool
	Output io.Writer
}

// Start returns an indeterminate progress bar. It's hidden for quiet runs and on CI.
func (p *ProgressMonitorProvider) Start(desc string) *progressbar.ProgressBar {
	visible := p != nil && !p.Quiet && os.Getenv("CI") != "true"

	output := io.Writer(os.Stderr)
	if p != nil && p.Output != nil {
		output = p.Output
	}

	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(output),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionClearOnFinish(),
	)
}

type memo[T any] struct {
	once  sync.Once
	value T
	err   error
}

func (m *memo[T]) get(compute func() (T, error)) (T, error) {
	m.once.Do(func() {
		m.value, m.err = compute()
	})
	return m.value, m.err
}

// ClassPathProvider assembles the classpaths scripts are compiled against. Every value is computed once
// per provider.
type ClassPathProvider struct {
	Distribution host.Distribution
	Cache        *cache.Cache
	Keys         *cache.KeyBuilder
	Progress     *ProgressMonitorProvider

	hostAPI       memo[classpath.ClassPath]
	apiExtensions memo[classpath.ClassPath]
	runtime       memo[classpath.ClassPath]
	scriptAPI     memo[classpath.ClassPath]
}

func NewClassPathProvider(dist host.Distribution, c *cache.Cache, keys *cache.KeyBuilder, progress *ProgressMonitorProvider) *ClassPathProvider {
	return &ClassPathProvider{
		Distribution: dist,
		Cache:        c,
		Keys:         keys,
		Progress:     progress,
	}
}

// HostAPI returns the archives of the host API.
func (p *ClassPathProvider) HostAPI() (classpath.ClassPath, error) {
	return p.hostAPI.get(func() (classpath.ClassPath, error) {
		return p.Distribution.ClassPathFor(host.HostAPINotation)
	})
}

// RuntimeJars returns the archives shipped with the script runtime.
func (p *ClassPathProvider) RuntimeJars() (classpath.ClassPath, error) {
	return p.runtime.get(func() (classpath.ClassPath, error) {
		return p.Distribution.ClassPathFor(host.RuntimeNotation)
	})
}

// HostAPIExtensions returns the generated archive re-exporting the host API. It's empty if there's no
// host API.
func (p *ClassPathProvider) HostAPIExtensions(ctx context.Context) (classpath.ClassPath, error) {
	return p.apiExtensions.get(func() (classpath.ClassPath, error) {
		hostAPI, err := p.HostAPI()
		if err != nil {
			return classpath.Empty, err
		}
		if hostAPI.IsEmpty() {
			return classpath.Empty, nil
		}

		key, err := p.Keys.Build(cache.NewKeySpec("stardsl-api-extensions").PlusClassPath(hostAPI))
		if err != nil {
			return classpath.Empty, err
		}

		archive, err := p.Cache.JarCache(ctx, apiExtensionsFile, key, cache.Properties{"version": apiExtensionsVersion}, func(ctx context.Context, outputFile string) error {
			bar := p.Progress.Start("Generating host API extensions")
			defer bar.Finish()

			return generateAtomically(outputFile, func(tmpFile string) error {
				return codegen.GenerateAPIExtensions(ctx, hostAPI, tmpFile)
			})
		})
		if err != nil {
			return classpath.Empty, err
		}

		support.Log(ctx).Debug().Str("archive", archive).Msg("Using host API extensions")
		return classpath.Of(archive), nil
	})
}

// ScriptAPI is the host API followed by its extensions and the runtime archives.
func (p *ClassPathProvider) ScriptAPI(ctx context.Context) (classpath.ClassPath, error) {
	return p.scriptAPI.get(func() (classpath.ClassPath, error) {
		hostAPI, err := p.HostAPI()
		if err != nil {
			return classpath.Empty, err
		}

		extensions, err := p.HostAPIExtensions(ctx)
		if err != nil {
			return classpath.Empty, err
		}

		runtime, err := p.RuntimeJars()
		if err != nil {
			return classpath.Empty, err
		}

		return hostAPI.Plus(extensions).Plus(runtime), nil
	})
}

// CompilationClassPathOf returns the script API followed by everything the ancestors of s export.
func (p *ClassPathProvider) CompilationClassPathOf(ctx context.Context, s *scope.Scope) (classpath.ClassPath, error) {
	base, err := p.ScriptAPI(ctx)
	if err != nil {
		return classpath.Empty, err
	}

	if s == nil {
		return base, nil
	}
	return base.Plus(s.ExportClassPathFromHierarchy()), nil
}

// RootClassPath is exported by the root scope of every build: the host API and the runtime archives.
func (p *ClassPathProvider) RootClassPath() (classpath.ClassPath, error) {
	hostAPI, err := p.HostAPI()
	if err != nil {
		return classpath.Empty, err
	}

	runtime, err := p.RuntimeJars()
	if err != nil {
		return classpath.Empty, err
	}

	return hostAPI.Plus(runtime), nil
}

// generateAtomically runs generate against a temporary file and moves it to outputFile once it's
// complete. If another process created outputFile first, its result is kept.
func generateAtomically(outputFile string, generate func(tmpFile string) error) error {
	tmpFile := outputFile + ".tmp-" + nanoid.New()

	err := generate(tmpFile)
	if err != nil {
		os.Remove(tmpFile)
		return err
	}

	err = os.Rename(tmpFile, outputFile)
	if err != nil {
		os.Remove(tmpFile)
		if _, statErr := os.Stat(outputFile); statErr == nil {
			return nil
		}
		return eris.Wrapf(err, "failed to move %s into place", outputFile)
	}

	return nil
}
