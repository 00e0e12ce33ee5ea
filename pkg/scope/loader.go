package scope

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

// FileOptions is the dialect used for every script and module.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

const (
	moduleEnvLocal = "stardsl.moduleEnv"
	loadingLocal   = "stardsl.loading"
)

// SetModuleEnv sets the predeclared names available to modules loaded on thread.
func SetModuleEnv(thread *starlark.Thread, env starlark.StringDict) {
	thread.SetLocal(moduleEnvLocal, env)
}

func moduleEnv(thread *starlark.Thread) starlark.StringDict {
	env, _ := thread.Local(moduleEnvLocal).(starlark.StringDict)
	if env == nil {
		return starlark.StringDict{}
	}
	return env
}

func loadingStack(thread *starlark.Thread) map[string]bool {
	stack, _ := thread.Local(loadingLocal).(map[string]bool)
	if stack == nil {
		stack = map[string]bool{}
		thread.SetLocal(loadingLocal, stack)
	}
	return stack
}

type moduleEntry struct {
	ready   chan struct{}
	globals starlark.StringDict
	err     error
}

// Loader resolves modules and compiled programs from a classpath. Lookups are delegated to the parent
// first, a module is only executed once per loader that owns it.
type Loader struct {
	name      string
	classPath classpath.ClassPath
	parent    *Loader

	lock     sync.Mutex
	modules  map[string]*moduleEntry
	programs map[string]*starlark.Program
}

func NewLoader(name string, cp classpath.ClassPath, parent *Loader) *Loader {
	return &Loader{
		name:      name,
		classPath: cp,
		parent:    parent,
		modules:   make(map[string]*moduleEntry),
		programs:  make(map[string]*starlark.Program),
	}
}

func (l *Loader) Name() string {
	return l.name
}

func (l *Loader) Parent() *Loader {
	return l.parent
}

func (l *Loader) ClassPath() classpath.ClassPath {
	return l.classPath
}

// EffectiveClassPath returns the classpath of the whole loader chain, root first.
func (l *Loader) EffectiveClassPath() classpath.ClassPath {
	if l.parent == nil {
		return l.classPath
	}
	return l.parent.EffectiveClassPath().Plus(l.classPath)
}

// Identity describes the loader chain. Equal chains produce equal identities.
func (l *Loader) Identity() string {
	parts := []string{}
	for current := l; current != nil; current = current.parent {
		parts = append(parts, current.name+"["+current.classPath.String()+"]")
	}
	return strings.Join(parts, " <- ")
}

// Load implements starlark.Thread.Load.
func (l *Loader) Load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	owner, source, loc, err := l.find(module)
	if err != nil {
		return nil, err
	}

	return owner.exec(thread, module, source, loc)
}

// HasModule reports whether module can be loaded through l.
func (l *Loader) HasModule(module string) bool {
	_, _, _, err := l.find(module)
	return err == nil
}

func (l *Loader) find(module string) (*Loader, []byte, classpath.Location, error) {
	if l.parent != nil {
		owner, source, loc, err := l.parent.find(module)
		if err == nil {
			return owner, source, loc, nil
		}
		if !eris.Is(err, classpath.ErrNotFound) {
			return nil, nil, classpath.Location{}, err
		}
	}

	source, loc, err := l.classPath.FindModule(module)
	if err != nil {
		return nil, nil, classpath.Location{}, err
	}
	return l, source, loc, nil
}

func (l *Loader) exec(thread *starlark.Thread, module string, source []byte, loc classpath.Location) (starlark.StringDict, error) {
	stack := loadingStack(thread)
	key := l.name + "|" + module
	if stack[key] {
		return nil, eris.Errorf("cycle in load graph involving %s", module)
	}

	l.lock.Lock()
	entry, ok := l.modules[module]
	if ok {
		l.lock.Unlock()
		<-entry.ready
		return entry.globals, entry.err
	}

	entry = &moduleEntry{ready: make(chan struct{})}
	l.modules[module] = entry
	l.lock.Unlock()

	stack[key] = true
	entry.globals, entry.err = execModule(thread, source, loc)
	delete(stack, key)
	close(entry.ready)

	return entry.globals, entry.err
}

func execModule(thread *starlark.Thread, source []byte, loc classpath.Location) (starlark.StringDict, error) {
	env := moduleEnv(thread)
	_, prog, err := starlark.SourceProgramOptions(FileOptions, loc.String(), source, env.Has)
	if err != nil {
		return nil, err
	}

	globals, err := prog.Init(thread, env)
	if err != nil {
		return nil, err
	}

	globals.Freeze()
	return globals, nil
}

// LoadClass returns the compiled program className.
func (l *Loader) LoadClass(className string) (*starlark.Program, error) {
	if l.parent != nil {
		prog, err := l.parent.LoadClass(className)
		if err == nil {
			return prog, nil
		}
		if !eris.Is(err, classpath.ErrNotFound) {
			return nil, err
		}
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if prog, ok := l.programs[className]; ok {
		return prog, nil
	}

	data, loc, err := l.classPath.FindProgram(className)
	if err != nil {
		return nil, err
	}

	prog, err := starlark.CompiledProgram(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s from %s", className, loc)
	}

	l.programs[className] = prog
	return prog, nil
}
