// Package host contains the build model scripts are evaluated against: projects, settings, plugins,
// extensions and tasks.
package host

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
)

// Target is an object a script is evaluated against.
type Target interface {
	starlark.Value

	Name() string
	RootDir() string
	ProjectDir() string
	BuildDir() string
	Build() *Build
	ScriptHandler() *ScriptHandler
	Plugins() *PluginManager
	Extensions() *ExtensionRegistry
	// BaseScope is the scope the target's buildscript and plugins blocks are loaded into.
	BaseScope() *scope.Scope
	// TargetScope receives the classpath contributed by the target's buildscript block and plugins.
	TargetScope() *scope.Scope
}

type targetBase struct {
	build       *Build
	dir         string
	handler     *ScriptHandler
	plugins     *PluginManager
	extensions  *ExtensionRegistry
	baseScope   *scope.Scope
	targetScope *scope.Scope
}

func (t *targetBase) RootDir() string {
	return t.build.RootDir
}

func (t *targetBase) ProjectDir() string {
	return t.dir
}

func (t *targetBase) BuildDir() string {
	return filepath.Join(t.dir, "build")
}

func (t *targetBase) Build() *Build {
	return t.build
}

func (t *targetBase) ScriptHandler() *ScriptHandler {
	return t.handler
}

func (t *targetBase) Plugins() *PluginManager {
	return t.plugins
}

func (t *targetBase) Extensions() *ExtensionRegistry {
	return t.extensions
}

func (t *targetBase) BaseScope() *scope.Scope {
	return t.baseScope
}

func (t *targetBase) TargetScope() *scope.Scope {
	return t.targetScope
}

// Project is a single project of a build.
type Project struct {
	targetBase

	name     string
	path     string
	parent   *Project
	tasks    *TaskContainer
	lock     sync.Mutex
	children []*Project

	Description string
	Version     string
}

var (
	_ Target               = (*Project)(nil)
	_ starlark.HasSetField = (*Project)(nil)
)

func (p *Project) Name() string {
	return p.name
}

// Path returns the project path, ":" for the root project and ":a:b" for nested projects.
func (p *Project) Path() string {
	return p.path
}

func (p *Project) Parent() *Project {
	return p.parent
}

func (p *Project) Children() []*Project {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]*Project{}, p.children...)
}

func (p *Project) Tasks() *TaskContainer {
	return p.tasks
}

func (p *Project) String() string {
	return fmt.Sprintf("<project %s>", p.path)
}

func (p *Project) Type() string {
	return "project"
}

func (p *Project) Freeze() {}

func (p *Project) Truth() starlark.Bool {
	return starlark.True
}

func (p *Project) Hash() (uint32, error) {
	return starlark.String(p.path).Hash()
}

func (p *Project) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(p.name), nil
	case "path":
		return starlark.String(p.path), nil
	case "dir":
		return Path(p.dir), nil
	case "root_dir":
		return Path(p.RootDir()), nil
	case "build_dir":
		return Path(p.BuildDir()), nil
	case "description":
		return starlark.String(p.Description), nil
	case "version":
		return starlark.String(p.Version), nil
	case "parent":
		if p.parent == nil {
			return starlark.None, nil
		}
		return p.parent, nil
	case "tasks":
		names := p.tasks.Names()
		items := make([]starlark.Value, len(names))
		for idx, name := range names {
			items[idx] = starlark.String(name)
		}
		return starlark.NewList(items), nil
	case "plugins":
		ids := p.plugins.AppliedIDs()
		items := make(starlark.Tuple, len(ids))
		for idx, id := range ids {
			items[idx] = starlark.String(id)
		}
		return items, nil
	}

	return nil, nil
}

func (p *Project) AttrNames() []string {
	return []string{"build_dir", "description", "dir", "name", "parent", "path", "plugins", "root_dir", "tasks", "version"}
}

func (p *Project) SetField(name string, value starlark.Value) error {
	str, ok := starlark.AsString(value)
	if !ok {
		return eris.Errorf("project.%s must be a string, got %s", name, value.Type())
	}

	switch name {
	case "description":
		p.Description = str
	case "version":
		p.Version = str
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("project has no writable field %s", name))
	}
	return nil
}

// Settings is the target of the settings script.
type Settings struct {
	targetBase

	lock            sync.Mutex
	rootProjectName string
	includes        []string
}

var (
	_ Target               = (*Settings)(nil)
	_ starlark.HasSetField = (*Settings)(nil)
)

func (s *Settings) Name() string {
	return "settings"
}

func (s *Settings) RootProjectName() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.rootProjectName == "" {
		return filepath.Base(s.dir)
	}
	return s.rootProjectName
}

// Include registers project paths such as "sub" or ":sub:nested".
func (s *Settings) Include(paths ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, path := range paths {
		path = normalizeProjectPath(path)
		found := false
		for _, existing := range s.includes {
			if existing == path {
				found = true
				break
			}
		}

		if !found {
			s.includes = append(s.includes, path)
		}
	}
}

func (s *Settings) Includes() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]string{}, s.includes...)
}

func (s *Settings) String() string {
	return fmt.Sprintf("<settings %s>", s.dir)
}

func (s *Settings) Type() string {
	return "settings"
}

func (s *Settings) Freeze() {}

func (s *Settings) Truth() starlark.Bool {
	return starlark.True
}

func (s *Settings) Hash() (uint32, error) {
	return 0, eris.New("settings is not a hashable type")
}

func (s *Settings) Attr(name string) (starlark.Value, error) {
	switch name {
	case "root_dir":
		return Path(s.dir), nil
	case "root_project_name":
		return starlark.String(s.RootProjectName()), nil
	case "includes":
		includes := s.Includes()
		sort.Strings(includes)
		items := make(starlark.Tuple, len(includes))
		for idx, path := range includes {
			items[idx] = starlark.String(path)
		}
		return items, nil
	}

	return nil, nil
}

func (s *Settings) AttrNames() []string {
	return []string{"includes", "root_dir", "root_project_name"}
}

func (s *Settings) SetField(name string, value starlark.Value) error {
	if name != "root_project_name" {
		return starlark.NoSuchAttrError(fmt.Sprintf("settings has no writable field %s", name))
	}

	str, ok := starlark.AsString(value)
	if !ok {
		return eris.Errorf("settings.root_project_name must be a string, got %s", value.Type())
	}

	s.lock.Lock()
	s.rootProjectName = str
	s.lock.Unlock()
	return nil
}
