package provider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/cache"
	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/compiler"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/source"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

// ScriptPluginFactory creates the evaluators for the scripts of a build.
type ScriptPluginFactory struct {
	Compiler   *compiler.CachingCompiler
	ClassPaths *ClassPathProvider
	Applicator host.PluginRequestApplicator
	// Tooling evaluates projects with CompileForClassPath and records their classpaths instead of
	// failing on the first error.
	Tooling bool

	lock       sync.Mutex
	classPaths map[string]classpath.ClassPath
}

var _ host.ScriptRunner = (*ScriptPluginFactory)(nil)

func (f *ScriptPluginFactory) EvaluateSettings(ctx context.Context, settings *host.Settings) error {
	src, err := readScript(filepath.Join(settings.RootDir(), host.SettingsFileName))
	if err != nil {
		return err
	}

	evaluator := &ScriptEvaluator[*host.Settings]{
		Compiler:      f.Compiler,
		ClassPaths:    f.ClassPaths,
		Applicator:    f.Applicator,
		Source:        src,
		TopLevel:      true,
		Template:      templates.SettingsScript,
		ScriptHandler: settings.ScriptHandler(),
		BaseScope:     settings.BaseScope(),
		TargetScope:   settings.TargetScope(),
	}
	return evaluator.Evaluate(ctx, settings)
}

func (f *ScriptPluginFactory) EvaluateProject(ctx context.Context, project *host.Project) error {
	src, err := readScript(filepath.Join(project.ProjectDir(), host.BuildFileName))
	if err != nil {
		return err
	}

	evaluator := &ScriptEvaluator[*host.Project]{
		Compiler:      f.Compiler,
		ClassPaths:    f.ClassPaths,
		Applicator:    f.Applicator,
		Source:        src,
		TopLevel:      true,
		Template:      templates.BuildScript,
		ScriptHandler: project.ScriptHandler(),
		BaseScope:     project.BaseScope(),
		TargetScope:   project.TargetScope(),
	}

	if !f.Tooling {
		return evaluator.Evaluate(ctx, project)
	}

	cp := evaluator.CompileForClassPath(ctx, project)

	f.lock.Lock()
	defer f.lock.Unlock()

	if f.classPaths == nil {
		f.classPaths = make(map[string]classpath.ClassPath)
	}
	f.classPaths[project.Path()] = cp
	return nil
}

// ApplyScript evaluates the script at scriptPath against target. The script gets its own scopes below the
// target scope of target.
func (f *ScriptPluginFactory) ApplyScript(ctx context.Context, target host.Target, scriptPath string) error {
	src, err := source.ReadScriptSource(scriptPath)
	if err != nil {
		return err
	}

	var resolver *host.Resolver
	if target.Build() != nil {
		resolver = target.Build().Resolver
	}

	baseScope := target.TargetScope()
	name := strings.TrimSuffix(src.FileName(), filepath.Ext(src.FileName()))

	evaluator := &ScriptEvaluator[host.Target]{
		Compiler:      f.Compiler,
		ClassPaths:    f.ClassPaths,
		Applicator:    f.Applicator,
		Source:        src,
		Template:      templates.ScriptPlugin,
		ScriptHandler: host.NewScriptHandler(resolver),
		BaseScope:     baseScope,
		TargetScope:   baseScope.CreateChild("apply-" + name),
	}
	return evaluator.Evaluate(ctx, target)
}

// ProjectClassPath returns the classpath recorded for the project at path in tooling mode.
func (f *ScriptPluginFactory) ProjectClassPath(path string) (classpath.ClassPath, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	cp, ok := f.classPaths[path]
	return cp, ok
}

// readScript reads the script at path. A missing script is evaluated as an empty one.
func readScript(path string) (source.ScriptSource, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return source.ScriptSource{}, eris.Wrapf(err, "failed to resolve %s", path)
		}
		return source.NewScriptSource(abs, ""), nil
	}

	return source.ReadScriptSource(path)
}

// Options configure a build created with NewBuild.
type Options struct {
	RootDir string
	// Home is the installation directory of the host (see host.Distribution).
	Home     string
	CacheDir string
	// RecompileScripts ignores previously compiled scripts.
	RecompileScripts bool
	Quiet            bool
	Registry         *host.PluginRegistry
	Resolver         *host.Resolver
	Tooling          bool
}

// NewBuild wires a host.Build to a ScriptPluginFactory. The build is not configured yet.
func NewBuild(opts Options) (*host.Build, *ScriptPluginFactory, error) {
	if opts.CacheDir == "" {
		return nil, nil, eris.New("no cache directory set")
	}

	c := cache.New(filepath.Join(opts.CacheDir, "scripts"))
	keys := cache.NewKeyBuilder()

	classPaths := NewClassPathProvider(host.Distribution{Home: opts.Home}, c, keys, &ProgressMonitorProvider{Quiet: opts.Quiet})
	rootClassPath, err := classPaths.RootClassPath()
	if err != nil {
		return nil, nil, err
	}

	comp := compiler.New(c, keys)
	comp.RecompileScripts = opts.RecompileScripts

	registry := opts.Registry
	if registry == nil {
		registry = host.NewPluginRegistry()
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = host.NewResolver(filepath.Join(opts.CacheDir, "artifacts"))
		resolver.Quiet = opts.Quiet
	}

	factory := &ScriptPluginFactory{
		Compiler:   comp,
		ClassPaths: classPaths,
		Applicator: &host.DefaultPluginRequestApplicator{Registry: registry},
		Tooling:    opts.Tooling,
	}

	build, err := host.NewBuild(host.BuildOptions{
		RootDir:   opts.RootDir,
		RootScope: scope.NewRoot("host", rootClassPath),
		Resolver:  resolver,
		Registry:  registry,
		Runner:    factory,
	})
	if err != nil {
		return nil, nil, err
	}

	return build, factory, nil
}
