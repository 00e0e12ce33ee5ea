package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/blocks"
	"github.com/ngld/knossos/packages/stardsl/pkg/cache"
	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/codegen"
	"github.com/ngld/knossos/packages/stardsl/pkg/compiler"
	"github.com/ngld/knossos/packages/stardsl/pkg/diag"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/source"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

const (
	accessorsFile    = "stardsl-accessors.kar"
	accessorsVersion = "1"

	// HierarchyDumpFile is written to the build dir of a target if a script panics.
	HierarchyDumpFile = "ClassLoaderHierarchy.json"
)

// State is the progress of a single script evaluation.
type State int

const (
	Start State = iota
	BuildscriptBlockExecuted
	PluginsBlockApplied
	BodyExecuted
	Done
	Errored
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case BuildscriptBlockExecuted:
		return "BuildscriptBlockExecuted"
	case PluginsBlockApplied:
		return "PluginsBlockApplied"
	case BodyExecuted:
		return "BodyExecuted"
	case Done:
		return "Done"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ScriptEvaluator runs one script against a target: the buildscript block, then the plugins block and
// finally the whole script.
type ScriptEvaluator[T host.Target] struct {
	Compiler   *compiler.CachingCompiler
	ClassPaths *ClassPathProvider
	Applicator host.PluginRequestApplicator
	Source     source.ScriptSource
	// TopLevel scripts are build and settings scripts. Scripts applied to a target skip the buildscript
	// block and don't see the accessors.
	TopLevel      bool
	Template      *templates.Template[host.Target]
	ScriptHandler *host.ScriptHandler
	BaseScope     *scope.Scope
	TargetScope   *scope.Scope

	state            State
	requests         host.PluginRequests
	buildscriptScope *scope.Scope
}

func (e *ScriptEvaluator[T]) State() State {
	return e.state
}

// PluginRequests returns the requests collected from the plugins block.
func (e *ScriptEvaluator[T]) PluginRequests() host.PluginRequests {
	return e.requests
}

// BuildscriptScope returns the scope the buildscript block was loaded into or nil if the script has no
// such block.
func (e *ScriptEvaluator[T]) BuildscriptScope() *scope.Scope {
	return e.buildscriptScope
}

// Evaluate runs the script against target. A failed evaluation leaves the evaluator in the Errored state.
func (e *ScriptEvaluator[T]) Evaluate(ctx context.Context, target T) error {
	if e.state != Start {
		return eris.Errorf("%s has already been evaluated (%s)", e.Source.Path, e.state)
	}

	err := e.evaluate(ctx, target)
	if err != nil {
		e.state = Errored
		return err
	}

	e.state = Done
	return nil
}

func (e *ScriptEvaluator[T]) evaluate(ctx context.Context, target T) error {
	ctx = support.WithFields(ctx, map[string]string{"script": e.Source.FileName()})

	if e.TopLevel {
		err := e.executeBuildscriptBlock(ctx, target)
		if err != nil {
			return err
		}
	}
	e.state = BuildscriptBlockExecuted

	err := e.prepareTargetScope(ctx, target)
	if err != nil {
		return err
	}
	e.state = PluginsBlockApplied

	err = e.executeBody(ctx, target)
	if err != nil {
		return err
	}
	e.state = BodyExecuted

	return nil
}

// CompileForClassPath runs as much of the script as possible to compute the classpath of target. Errors
// are logged and skipped.
func (e *ScriptEvaluator[T]) CompileForClassPath(ctx context.Context, target T) classpath.ClassPath {
	logger := support.Log(ctx)

	if e.TopLevel {
		if err := e.executeBuildscriptBlock(ctx, target); err != nil {
			logger.Warn().Err(err).Msg("Ignoring failed buildscript block")
		}
	}
	if err := e.prepareTargetScope(ctx, target); err != nil {
		logger.Warn().Err(err).Msg("Ignoring failed plugins block")
	}
	if err := e.executeBody(ctx, target); err != nil {
		logger.Warn().Err(err).Msg("Ignoring failed script body")
	}

	return e.TargetScope.ExportClassPathFromHierarchy()
}

func (e *ScriptEvaluator[T]) extractBlock(identifier string) (*source.Range, error) {
	r, err := blocks.Extract(e.Source.Text, identifier)
	if err == nil {
		return r, nil
	}

	var unexpected *blocks.UnexpectedBlockError
	if !errors.As(err, &unexpected) {
		return nil, err
	}

	line, col, rangeErr := source.LineAndColumnFromRange(e.Source.Text, unexpected.Location)
	if rangeErr != nil {
		return nil, eris.Wrap(rangeErr, err.Error())
	}

	return nil, &diag.LocatedError{
		Path:    e.Source.Path,
		Line:    line,
		Column:  col,
		Message: diag.UnexpectedBlockMessage(unexpected.Identifier),
	}
}

func (e *ScriptEvaluator[T]) executeBuildscriptBlock(ctx context.Context, target T) error {
	r, err := e.extractBlock(blocks.BuildscriptIdentifier)
	if err != nil || r == nil {
		return err
	}

	cp, err := e.ClassPaths.CompilationClassPathOf(ctx, e.BaseScope)
	if err != nil {
		return err
	}

	_, fragment := source.PositionPreservingSubstring(e.Source.Text, *r)
	compiled, err := e.Compiler.CompileBuildscriptBlockOf(ctx, e.Source.Path, fragment, templates.BuildscriptBlock, cp, e.BaseScope.ExportLoader())
	if err != nil {
		return err
	}

	e.buildscriptScope = e.BaseScope.CreateChild("buildscript")
	prog, loader, err := classFrom(compiled, e.buildscriptScope)
	if err != nil {
		return err
	}

	factory := templates.BuildscriptBlock.Bind(prog, loader, target, e.Source.Path)
	return run(ctx, e, factory, host.Target(target))
}

func (e *ScriptEvaluator[T]) prepareTargetScope(ctx context.Context, target T) error {
	extensions, err := e.ClassPaths.HostAPIExtensions(ctx)
	if err != nil {
		return err
	}
	if !extensions.IsEmpty() {
		err = e.TargetScope.Export(extensions)
		if err != nil {
			return err
		}
	}

	requests, err := e.collectPluginRequests(ctx, target)
	if err != nil {
		return err
	}
	e.requests = requests

	return e.Applicator.ApplyPlugins(ctx, requests, e.ScriptHandler, target.Plugins(), e.TargetScope)
}

func (e *ScriptEvaluator[T]) collectPluginRequests(ctx context.Context, target T) (host.PluginRequests, error) {
	collector := host.NewPluginRequestCollector(e.Source.Path)

	r, err := e.extractBlock(blocks.PluginsIdentifier)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return collector.PluginRequests(), nil
	}

	cp, err := e.ClassPaths.CompilationClassPathOf(ctx, e.BaseScope)
	if err != nil {
		return nil, err
	}

	linesBefore, fragment := source.PositionPreservingSubstring(e.Source.Text, *r)
	compiled, err := e.Compiler.CompilePluginsBlockOf(ctx, e.Source.Path, linesBefore+1, fragment,
		templates.PluginsBlock, cp, e.BaseScope.ExportLoader())
	if err != nil {
		return nil, err
	}

	prog, loader, err := classFrom(compiled.Script, e.BaseScope.CreateChild("plugins"))
	if err != nil {
		return nil, err
	}

	spec := collector.CreateSpec(compiled.LineNumber)
	factory := templates.PluginsBlock.Bind(prog, loader, target, e.Source.Path)
	err = run(ctx, e, factory, spec)
	if err != nil {
		return nil, err
	}

	return collector.PluginRequests(), nil
}

func (e *ScriptEvaluator[T]) executeBody(ctx context.Context, target T) error {
	base, err := e.ClassPaths.CompilationClassPathOf(ctx, e.BaseScope)
	if err != nil {
		return err
	}

	scriptClassPath, err := e.ScriptHandler.ScriptClassPath(ctx)
	if err != nil {
		return err
	}
	compilationClassPath := base.Plus(scriptClassPath)

	accessors, err := e.accessorsClassPathFor(ctx, target)
	if err != nil {
		return err
	}

	compiled, err := e.Compiler.CompileBuildScript(ctx, e.Source.Path, e.Source.Text, e.Template,
		compilationClassPath.Plus(accessors), e.TargetScope.ExportLoader())
	if err != nil {
		return err
	}

	scriptScope := e.TargetScope.CreateChild("script")
	if !accessors.IsEmpty() {
		err = scriptScope.Local(accessors)
		if err != nil {
			return err
		}
	}

	prog, loader, err := classFrom(compiled, scriptScope)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			e.tryToDumpHierarchy(ctx, target, compiled.ClassName, loader)
			panic(r)
		}
	}()

	factory := e.Template.Bind(prog, loader, target, e.Source.Path)
	return run(ctx, e, factory, host.Target(target))
}

// accessorsClassPathFor generates the accessors for the extensions currently registered on target.
func (e *ScriptEvaluator[T]) accessorsClassPathFor(ctx context.Context, target T) (classpath.ClassPath, error) {
	if !e.TopLevel || !importsAccessors(e.Template) {
		return classpath.Empty, nil
	}

	registry := target.Extensions()
	schema := registry.Schema()
	if len(schema) == 0 {
		return classpath.Empty, nil
	}

	parts := make([]string, len(schema))
	for idx, ext := range schema {
		parts[idx] = ext.Name + ":" + ext.Type
	}

	key, err := e.Compiler.Keys.Build(cache.NewKeySpec("stardsl-accessors").Plus(strings.Join(parts, ",")))
	if err != nil {
		return classpath.Empty, err
	}

	archive, err := e.Compiler.Cache.JarCache(ctx, accessorsFile, key, cache.Properties{"version": accessorsVersion}, func(ctx context.Context, outputFile string) error {
		return generateAtomically(outputFile, func(tmpFile string) error {
			return codegen.GenerateAccessors(registry, tmpFile)
		})
	})
	if err != nil {
		return classpath.Empty, err
	}

	return classpath.Of(archive), nil
}

func importsAccessors(desc templates.Descriptor) bool {
	for _, module := range desc.ImplicitImports() {
		if module == templates.AccessorsModule {
			return true
		}
	}
	return false
}

// run instantiates factory for receiver and executes the instance.
func run[T host.Target, R any](ctx context.Context, e *ScriptEvaluator[T], factory templates.Factory[R], receiver R) error {
	instance, err := factory(ctx, receiver)
	if err != nil {
		return err
	}

	_, err = instance.Run()
	return executionError(e.Source.Path, err)
}

// classFrom adds the compiled program to s, locks s and loads the program through the scope's loader.
func classFrom(compiled compiler.CompiledScript, s *scope.Scope) (*starlark.Program, *scope.Loader, error) {
	err := s.Local(compiled.ClassPath())
	if err != nil {
		return nil, nil, err
	}

	loader, err := s.Lock().LocalLoader()
	if err != nil {
		return nil, nil, err
	}

	prog, err := loader.LoadClass(compiled.ClassName)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to load %s from %s", compiled.ClassName, compiled.Location)
	}
	return prog, loader, nil
}

func (e *ScriptEvaluator[T]) tryToDumpHierarchy(ctx context.Context, target T, className string, loader *scope.Loader) {
	err := e.dumpHierarchy(target, className, loader)
	if err != nil {
		support.Log(ctx).Error().Err(err).Msg("Failed to write the scope hierarchy")
	}
}

func (e *ScriptEvaluator[T]) dumpHierarchy(target T, className string, loader *scope.Loader) error {
	data, err := scope.HierarchyJSON(className, loader, e.TargetScope, pathFormatterFor(target, e.ClassPaths.Distribution.Home))
	if err != nil {
		return err
	}

	dir := target.BuildDir()
	err = os.MkdirAll(dir, 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dir)
	}

	dest := filepath.Join(dir, HierarchyDumpFile)
	return eris.Wrapf(os.WriteFile(dest, data, 0o660), "failed to write %s", dest)
}

func pathFormatterFor(target host.Target, hostHome string) scope.PathFormatter {
	type baseDir struct {
		label string
		path  string
	}

	dirs := []baseDir{}
	add := func(key, dir string) {
		if dir != "" {
			dirs = append(dirs, baseDir{label: "$" + key, path: support.CanonicalPath(dir)})
		}
	}

	// The most specific directories have to be replaced first.
	add("PROJECT_ROOT", target.RootDir())
	add("HOST_USER_HOME", support.UserCacheDir())
	add("HOST_HOME", hostHome)
	add("HOME", support.UserHome())

	return func(path string) string {
		for _, dir := range dirs {
			path = strings.ReplaceAll(path, dir.path, dir.label)
		}
		return path
	}
}
