// Package compiler compiles scripts and script fragments into programs stored in the compilation cache.
package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/cache"
	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/diag"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

const (
	keyPrefix = "stardsl"
	// CacheVersion is stored with every entry. Bump it whenever the entry layout or the program format changes.
	CacheVersion = "3"

	ClassesDir        = "classes"
	ClassNameFile     = "script-class-name"
	versionProperty   = "version"
	defaultScriptName = "script"
)

// CompiledScript is a program stored in a cache entry.
type CompiledScript struct {
	// Location is the cache entry directory.
	Location  string
	ClassName string
}

// ClassPath returns the classpath entry the compiled program is loaded from.
func (s CompiledScript) ClassPath() classpath.ClassPath {
	return classpath.Of(filepath.Join(s.Location, ClassesDir))
}

// CompiledPluginsBlock is a compiled plugins block together with the 1-based line it starts at.
type CompiledPluginsBlock struct {
	LineNumber int
	Script     CompiledScript
}

// ScriptSpec describes a single compilation.
type ScriptSpec struct {
	// ScriptPath is the path of the script the fragment was taken from.
	ScriptPath string
	// Source is the fragment. Line numbers have to match the script.
	Source      string
	Template    templates.Descriptor
	Description string
}

func (s ScriptSpec) className() string {
	return s.Template.TemplateName() + "_" + sanitize(filepath.Base(s.ScriptPath))
}

// CompileFunc writes the program for spec into outputDir and returns its class name.
type CompileFunc func(outputDir string, spec ScriptSpec, cp classpath.ClassPath, parentLoader *scope.Loader, collector *diag.MessageCollector) (string, error)

// CachingCompiler compiles fragments once per distinct fragment, classpath and parent loader.
type CachingCompiler struct {
	Cache *cache.Cache
	Keys  *cache.KeyBuilder
	// RecompileScripts ignores existing cache entries.
	RecompileScripts bool
	Compile          CompileFunc
}

func New(c *cache.Cache, keys *cache.KeyBuilder) *CachingCompiler {
	return &CachingCompiler{
		Cache:   c,
		Keys:    keys,
		Compile: compileScriptToDirectory,
	}
}

// CompileBuildscriptBlockOf compiles the line-preserving buildscript block of scriptPath.
func (c *CachingCompiler) CompileBuildscriptBlockOf(ctx context.Context, scriptPath, fragment string, template templates.Descriptor, cp classpath.ClassPath, parentLoader *scope.Loader) (CompiledScript, error) {
	return c.compile(ctx, ScriptSpec{
		ScriptPath:  scriptPath,
		Source:      fragment,
		Template:    template,
		Description: "buildscript block",
	}, cp, parentLoader)
}

// CompilePluginsBlockOf compiles the plugins block of scriptPath. lineNumber is the 1-based line the
// block starts at.
func (c *CachingCompiler) CompilePluginsBlockOf(ctx context.Context, scriptPath string, lineNumber int, fragment string, template templates.Descriptor, cp classpath.ClassPath, parentLoader *scope.Loader) (CompiledPluginsBlock, error) {
	compiled, err := c.compile(ctx, ScriptSpec{
		ScriptPath:  scriptPath,
		Source:      fragment,
		Template:    template,
		Description: "plugins block",
	}, cp, parentLoader)
	if err != nil {
		return CompiledPluginsBlock{}, err
	}

	return CompiledPluginsBlock{LineNumber: lineNumber, Script: compiled}, nil
}

// CompileBuildScript compiles a complete script.
func (c *CachingCompiler) CompileBuildScript(ctx context.Context, scriptPath, script string, template templates.Descriptor, cp classpath.ClassPath, parentLoader *scope.Loader) (CompiledScript, error) {
	return c.compile(ctx, ScriptSpec{
		ScriptPath:  scriptPath,
		Source:      script,
		Template:    template,
		Description: "script",
	}, cp, parentLoader)
}

func (c *CachingCompiler) compile(ctx context.Context, spec ScriptSpec, cp classpath.ClassPath, parentLoader *scope.Loader) (CompiledScript, error) {
	if spec.Template == nil {
		return CompiledScript{}, eris.Errorf("no template for %s", spec.ScriptPath)
	}

	key, err := c.Keys.Build(cache.NewKeySpec(keyPrefix).
		Plus(spec.ScriptPath).
		Plus(spec.Source).
		Plus(spec.Template.TemplateName()).
		PlusClassPath(cp).
		PlusLoader(parentLoader))
	if err != nil {
		return CompiledScript{}, eris.Wrapf(err, "failed to compute the cache key for %s", spec.ScriptPath)
	}

	entrySpec := cache.Spec{
		Key:        key,
		Properties: cache.Properties{versionProperty: CacheVersion},
		Validator: func(dir string) bool {
			_, err := os.Stat(filepath.Join(dir, ClassNameFile))
			return err == nil
		},
		Initializer: func(ctx context.Context, dir string) error {
			support.Log(ctx).Info().Msgf("Compiling %s of %s into local build cache", spec.Description, displayName(spec.ScriptPath))

			collector := diag.NewMessageCollector(support.Log(ctx))
			className, err := c.Compile(dir, spec, cp, parentLoader, collector)
			if err != nil {
				return err
			}

			return os.WriteFile(filepath.Join(dir, ClassNameFile), []byte(className), 0o644)
		},
	}
	if c.RecompileScripts {
		entrySpec.Validator = func(string) bool { return false }
	}

	dir, err := c.Cache.Open(ctx, entrySpec)
	if err != nil {
		return CompiledScript{}, err
	}

	className, err := os.ReadFile(filepath.Join(dir, ClassNameFile))
	if err != nil {
		return CompiledScript{}, eris.Wrapf(err, "failed to read the class name of %s", spec.ScriptPath)
	}

	return CompiledScript{Location: dir, ClassName: strings.TrimSpace(string(className))}, nil
}

// cacheFileFor returns the path the fragment source is stored at inside the entry dir.
func cacheFileFor(dir string, spec ScriptSpec) string {
	return filepath.Join(dir, spec.className()+".star")
}

func displayName(path string) string {
	return filepath.Base(path)
}

func sanitize(name string) string {
	if name == "" {
		return defaultScriptName
	}

	result := strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, name)
	return result
}
