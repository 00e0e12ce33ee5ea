package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// TaskAction is a single step of a task.
type TaskAction func(ctx context.Context, task *Task) error

// Task is a named unit of work of a project.
type Task struct {
	project    *Project
	name       string
	scriptPath string

	Description string
	// Base is the directory shell commands run in and patterns are resolved against.
	Base         string
	Env          map[string]string
	Inputs       []string
	Outputs      []string
	SkipIfExists []string
	Hidden       bool

	lock    sync.Mutex
	deps    []string
	actions []TaskAction
}

var (
	_ starlark.HasAttrs    = (*Task)(nil)
	_ starlark.HasSetField = (*Task)(nil)
)

func (t *Task) Name() string {
	return t.name
}

// Path returns the qualified task path such as ":compile" or ":sub:compile".
func (t *Task) Path() string {
	if t.project == nil || t.project.path == ":" {
		return ":" + t.name
	}
	return t.project.path + ":" + t.name
}

func (t *Task) Project() *Project {
	return t.project
}

// DependsOn adds task names (relative to the task's project) or qualified task paths.
func (t *Task) DependsOn(names ...string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, name := range names {
		found := false
		for _, existing := range t.deps {
			if existing == name {
				found = true
				break
			}
		}
		if !found {
			t.deps = append(t.deps, name)
		}
	}
}

func (t *Task) Dependencies() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string{}, t.deps...)
}

func (t *Task) DoFirst(action TaskAction) {
	t.lock.Lock()
	t.actions = append([]TaskAction{action}, t.actions...)
	t.lock.Unlock()
}

func (t *Task) DoLast(action TaskAction) {
	t.lock.Lock()
	t.actions = append(t.actions, action)
	t.lock.Unlock()
}

func (t *Task) Actions() []TaskAction {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]TaskAction{}, t.actions...)
}

// CallableAction wraps a Starlark callable. The callable receives the task if it accepts an argument.
func (t *Task) CallableAction(fn starlark.Callable) TaskAction {
	return func(ctx context.Context, task *Task) error {
		var target Target
		if task.project != nil {
			target = task.project
		}

		thread := NewThread(ctx, "task "+task.Path(), target, task.scriptPath)

		var args starlark.Tuple
		if acceptsArgument(fn) {
			args = starlark.Tuple{task}
		}

		_, err := starlark.Call(thread, fn, args, nil)
		return err
	}
}

func acceptsArgument(fn starlark.Callable) bool {
	switch value := fn.(type) {
	case *starlark.Function:
		return value.NumParams() > 0
	case *starlark.Builtin:
		return false
	}
	return false
}

func (t *Task) String() string {
	return fmt.Sprintf("<task %s>", t.Path())
}

func (t *Task) Type() string {
	return "task"
}

func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

func (t *Task) Hash() (uint32, error) {
	return starlark.String(t.Path()).Hash()
}

func (t *Task) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(t.name), nil
	case "path":
		return starlark.String(t.Path()), nil
	case "description":
		return starlark.String(t.Description), nil
	case "dependencies":
		deps := t.Dependencies()
		items := make(starlark.Tuple, len(deps))
		for idx, dep := range deps {
			items[idx] = starlark.String(dep)
		}
		return items, nil
	case "do_first", "do_last":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var action starlark.Callable
			err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &action)
			if err != nil {
				return nil, err
			}

			if name == "do_first" {
				t.DoFirst(t.CallableAction(action))
			} else {
				t.DoLast(t.CallableAction(action))
			}
			return t, nil
		}), nil
	case "depends_on":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
			}

			names, err := TaskNames(args)
			if err != nil {
				return nil, err
			}

			t.DependsOn(names...)
			return t, nil
		}), nil
	}

	return nil, nil
}

func (t *Task) AttrNames() []string {
	return []string{"dependencies", "depends_on", "description", "do_first", "do_last", "name", "path"}
}

func (t *Task) SetField(name string, value starlark.Value) error {
	if name != "description" {
		return starlark.NoSuchAttrError(fmt.Sprintf("task has no writable field %s", name))
	}

	str, ok := starlark.AsString(value)
	if !ok {
		return eris.Errorf("task.description must be a string, got %s", value.Type())
	}
	t.Description = str
	return nil
}

// TaskNames converts task values and task names to the names tasks are referenced by.
func TaskNames(values starlark.Tuple) ([]string, error) {
	names := make([]string, 0, len(values))
	for idx, value := range values {
		switch item := value.(type) {
		case starlark.String:
			names = append(names, item.GoString())
		case *Task:
			names = append(names, item.Path())
		default:
			return nil, eris.Errorf("expected task or string at index %d, got %s", idx, value.Type())
		}
	}
	return names, nil
}

// TaskContainer holds the tasks of a project.
type TaskContainer struct {
	project *Project

	lock  sync.Mutex
	tasks map[string]*Task
}

func newTaskContainer(project *Project) *TaskContainer {
	return &TaskContainer{
		project: project,
		tasks:   make(map[string]*Task),
	}
}

// Register creates a new task. An empty name creates a hidden task with a generated name.
func (c *TaskContainer) Register(name, scriptPath string) (*Task, error) {
	task := &Task{
		project:    c.project,
		name:       name,
		scriptPath: scriptPath,
		Base:       c.project.dir,
		Env:        map[string]string{},
	}

	if name == "" {
		task.Hidden = true
		task.name = "auto#" + nanoid.New()
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.tasks[task.name]; ok {
		return nil, eris.Errorf("task %s already exists in project %s", task.name, c.project.path)
	}

	c.tasks[task.name] = task
	return task, nil
}

// Get returns the task name or nil.
func (c *TaskContainer) Get(name string) *Task {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.tasks[name]
}

// Names returns the sorted names of all visible tasks.
func (c *TaskContainer) Names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := make([]string, 0, len(c.tasks))
	for name, task := range c.tasks {
		if !task.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
