// Package templates defines the environments scripts and script fragments are compiled against and
// executed in.
package templates

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

const (
	// ExtensionsModule re-exports the host API. It's imported into every script if present.
	ExtensionsModule = "stardsl/extensions.star"
	// AccessorsModule holds the generated accessors of a project. Only top-level scripts import it.
	AccessorsModule = "stardsl/accessors.star"

	receiverLocal = "stardsl.receiver"
)

// Descriptor is the part of a template the compiler needs.
type Descriptor interface {
	TemplateName() string
	// IsPredeclared reports whether name is provided by the template itself.
	IsPredeclared(name string) bool
	ImplicitImports() []string
}

// Template is a named set of builtins scripts are executed with. T is the receiver the builtins act on.
type Template[T any] struct {
	Name    string
	Globals starlark.StringDict
	Imports []string
}

var _ Descriptor = (*Template[host.Target])(nil)

func (t *Template[T]) TemplateName() string {
	return t.Name
}

func (t *Template[T]) IsPredeclared(name string) bool {
	return t.Globals.Has(name)
}

func (t *Template[T]) ImplicitImports() []string {
	return t.Imports
}

// Factory creates an executable instance bound to a receiver.
type Factory[T any] func(ctx context.Context, receiver T) (*Instance, error)

// Bind returns the factory for prog. Loads are resolved through loader.
func (t *Template[T]) Bind(prog *starlark.Program, loader *scope.Loader, target host.Target, scriptPath string) Factory[T] {
	return func(ctx context.Context, receiver T) (*Instance, error) {
		if prog == nil {
			return nil, eris.Errorf("no program to instantiate %s with", t.Name)
		}
		if loader == nil {
			return nil, eris.Errorf("no loader to instantiate %s with", t.Name)
		}

		return &Instance{
			ctx:        ctx,
			template:   t.Name,
			program:    prog,
			loader:     loader,
			target:     target,
			receiver:   receiver,
			scriptPath: scriptPath,
			globals:    t.Globals,
			imports:    t.Imports,
		}, nil
	}
}

// Instance is a compiled program bound to its receiver.
type Instance struct {
	ctx        context.Context
	template   string
	program    *starlark.Program
	loader     *scope.Loader
	target     host.Target
	receiver   interface{}
	scriptPath string
	globals    starlark.StringDict
	imports    []string
}

// Run executes the program and returns its globals.
func (i *Instance) Run() (starlark.StringDict, error) {
	thread := host.NewThread(i.ctx, i.template+" "+i.scriptPath, i.target, i.scriptPath)
	thread.SetLocal(receiverLocal, i.receiver)
	thread.Load = i.loader.Load
	scope.SetModuleEnv(thread, ModuleGlobals)

	env := make(starlark.StringDict, len(i.globals))
	for name, value := range i.globals {
		env[name] = value
	}

	for _, module := range i.imports {
		if !i.loader.HasModule(module) {
			continue
		}

		exported, err := i.loader.Load(thread, module)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to load implicit import %s", module)
		}

		for name, value := range exported {
			if !strings.HasPrefix(name, "_") {
				env[name] = value
			}
		}
	}

	support.Log(i.ctx).Debug().Str("template", i.template).Str("script", i.scriptPath).Msg("Executing")
	return i.program.Init(thread, env)
}

func receiver[T any](thread *starlark.Thread) (T, error) {
	value, ok := thread.Local(receiverLocal).(T)
	if !ok {
		var zero T
		return zero, eris.Errorf("%s can't be used here", thread.Name)
	}
	return value, nil
}

// ImplicitNames returns the public top-level names of the implicit imports of desc found on cp.
func ImplicitNames(desc Descriptor, cp classpath.ClassPath) ([]string, error) {
	seen := map[string]bool{}
	for _, module := range desc.ImplicitImports() {
		source, loc, err := cp.FindModule(module)
		if err != nil {
			if eris.Is(err, classpath.ErrNotFound) {
				continue
			}
			return nil, err
		}

		names, err := topLevelNames(loc.String(), source)
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			seen[name] = true
		}
	}

	result := make([]string, 0, len(seen))
	for name := range seen {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func topLevelNames(filename string, source []byte) ([]string, error) {
	file, err := scope.FileOptions.Parse(filename, source, 0)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", filename)
	}

	names := []string{}
	var collect func(syntax.Expr)
	collect = func(expr syntax.Expr) {
		switch expr := expr.(type) {
		case *syntax.Ident:
			if !strings.HasPrefix(expr.Name, "_") {
				names = append(names, expr.Name)
			}
		case *syntax.TupleExpr:
			for _, item := range expr.List {
				collect(item)
			}
		case *syntax.ListExpr:
			for _, item := range expr.List {
				collect(item)
			}
		case *syntax.ParenExpr:
			collect(expr.X)
		}
	}

	for _, stmt := range file.Stmts {
		switch stmt := stmt.(type) {
		case *syntax.DefStmt:
			collect(stmt.Name)
		case *syntax.AssignStmt:
			collect(stmt.LHS)
		}
	}
	return names, nil
}
