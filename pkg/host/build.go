package host

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

const (
	SettingsFileName = "settings.star"
	BuildFileName    = "build.star"
)

// ScriptRunner evaluates the scripts of a build.
type ScriptRunner interface {
	EvaluateSettings(ctx context.Context, settings *Settings) error
	EvaluateProject(ctx context.Context, project *Project) error
	// ApplyScript evaluates the script plugin at scriptPath against target.
	ApplyScript(ctx context.Context, target Target, scriptPath string) error
}

// BuildOptions configure a new Build.
type BuildOptions struct {
	RootDir string
	// RootScope is the scope holding the host API. It's the base scope of the settings script.
	RootScope *scope.Scope
	Resolver  *Resolver
	Registry  *PluginRegistry
	Runner    ScriptRunner
}

// Build is a settings object and the tree of projects it includes.
type Build struct {
	RootDir   string
	RootScope *scope.Scope
	Resolver  *Resolver
	Registry  *PluginRegistry

	runner   ScriptRunner
	settings *Settings

	lock        sync.Mutex
	rootProject *Project
	projects    map[string]*Project
}

func NewBuild(opts BuildOptions) (*Build, error) {
	if opts.RootDir == "" {
		return nil, eris.New("no root directory set")
	}
	if opts.RootScope == nil {
		return nil, eris.New("no root scope set")
	}

	rootDir, err := filepath.Abs(opts.RootDir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", opts.RootDir)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewPluginRegistry()
	}

	if _, err := registry.Resolve(BasePluginID, ""); err != nil {
		err = registry.Register(PluginDescriptor{ID: BasePluginID, Plugin: BasePlugin})
		if err != nil {
			return nil, err
		}
	}

	b := &Build{
		RootDir:   rootDir,
		RootScope: opts.RootScope,
		Resolver:  opts.Resolver,
		Registry:  registry,
		runner:    opts.Runner,
		projects:  make(map[string]*Project),
	}

	b.settings = &Settings{
		targetBase: targetBase{
			build:       b,
			dir:         rootDir,
			handler:     NewScriptHandler(opts.Resolver),
			extensions:  NewExtensionRegistry(),
			baseScope:   opts.RootScope,
			targetScope: opts.RootScope.CreateChild("settings"),
		},
	}
	b.settings.plugins = NewPluginManager(b.settings, registry)

	return b, nil
}

func (b *Build) Settings() *Settings {
	return b.settings
}

func (b *Build) RootProject() *Project {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.rootProject
}

// FindProject returns the project with the given path or nil.
func (b *Build) FindProject(path string) *Project {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.projects[normalizeProjectPath(path)]
}

// AllProjects returns every project, parents before their children.
func (b *Build) AllProjects() []*Project {
	root := b.RootProject()
	if root == nil {
		return nil
	}

	result := []*Project{}
	var walk func(*Project)
	walk = func(p *Project) {
		result = append(result, p)
		for _, child := range p.Children() {
			walk(child)
		}
	}
	walk(root)

	return result
}

// ApplyScript evaluates a script plugin against target.
func (b *Build) ApplyScript(ctx context.Context, target Target, scriptPath string) error {
	if b.runner == nil {
		return eris.New("no script runner configured")
	}
	return b.runner.ApplyScript(ctx, target, scriptPath)
}

// Configure evaluates the settings script, creates the included projects and evaluates their build
// scripts parent-first.
func (b *Build) Configure(ctx context.Context) error {
	if b.runner == nil {
		return eris.New("no script runner configured")
	}

	err := b.runner.EvaluateSettings(ctx, b.settings)
	if err != nil {
		return err
	}

	err = b.createProjects()
	if err != nil {
		return err
	}

	for _, project := range b.AllProjects() {
		support.Log(ctx).Debug().Str("project", project.Path()).Msg("Evaluating project")

		err = b.runner.EvaluateProject(ctx, project)
		if err != nil {
			return eris.Wrapf(err, "failed to evaluate project %s", project.Path())
		}
	}

	return nil
}

func (b *Build) createProjects() error {
	_, err := b.project(":")
	if err != nil {
		return err
	}

	includes := b.settings.Includes()
	sort.Strings(includes)
	for _, path := range includes {
		_, err = b.project(path)
		if err != nil {
			return err
		}
	}

	return nil
}

// project returns the project for path, creating it and its missing ancestors.
func (b *Build) project(path string) (*Project, error) {
	path = normalizeProjectPath(path)

	b.lock.Lock()
	existing, ok := b.projects[path]
	b.lock.Unlock()
	if ok {
		return existing, nil
	}

	if path == ":" {
		return b.newProject(nil, path, b.settings.RootProjectName(), b.RootDir), nil
	}

	idx := strings.LastIndex(path, ":")
	parent, err := b.project(path[:idx])
	if err != nil {
		return nil, err
	}

	name := path[idx+1:]
	if !isIdentifier(strings.ReplaceAll(name, "-", "_")) {
		return nil, eris.Errorf("invalid project name %q in %s", name, path)
	}

	return b.newProject(parent, path, name, filepath.Join(parent.dir, name)), nil
}

func (b *Build) newProject(parent *Project, path, name, dir string) *Project {
	baseScope := b.settings.targetScope
	if parent != nil {
		baseScope = parent.targetScope
	}

	p := &Project{
		targetBase: targetBase{
			build:       b,
			dir:         dir,
			handler:     NewScriptHandler(b.Resolver),
			extensions:  NewExtensionRegistry(),
			baseScope:   baseScope,
			targetScope: baseScope.CreateChild("project-" + path),
		},
		name:   name,
		path:   path,
		parent: parent,
	}
	p.plugins = NewPluginManager(p, b.Registry)
	p.tasks = newTaskContainer(p)

	b.lock.Lock()
	b.projects[path] = p
	if parent == nil {
		b.rootProject = p
	}
	b.lock.Unlock()

	if parent != nil {
		parent.lock.Lock()
		parent.children = append(parent.children, p)
		parent.lock.Unlock()
	}

	return p
}

// normalizeProjectPath turns "sub", "sub:nested" and ":sub:nested:" into ":sub" and ":sub:nested".
func normalizeProjectPath(path string) string {
	parts := strings.Split(path, ":")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}

	return ":" + strings.Join(result, ":")
}
