package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// BasePluginID is the id of the plugin every build registers.
const BasePluginID = "base"

// BaseExtension holds the project conventions of the base plugin.
type BaseExtension struct {
	lock        sync.Mutex
	group       string
	archivesDir string
}

var _ starlark.HasSetField = (*BaseExtension)(nil)

func (e *BaseExtension) Group() string {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.group
}

func (e *BaseExtension) ArchivesDir() string {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.archivesDir
}

func (e *BaseExtension) String() string {
	return fmt.Sprintf("<base group=%q>", e.Group())
}

func (e *BaseExtension) Type() string {
	return "base_extension"
}

func (e *BaseExtension) Freeze() {}

func (e *BaseExtension) Truth() starlark.Bool {
	return starlark.True
}

func (e *BaseExtension) Hash() (uint32, error) {
	return 0, eris.New("base_extension is not a hashable type")
}

func (e *BaseExtension) Attr(name string) (starlark.Value, error) {
	switch name {
	case "group":
		return starlark.String(e.Group()), nil
	case "archives_dir":
		return Path(e.ArchivesDir()), nil
	}
	return nil, nil
}

func (e *BaseExtension) AttrNames() []string {
	return []string{"archives_dir", "group"}
}

func (e *BaseExtension) SetField(name string, value starlark.Value) error {
	switch name {
	case "group":
		str, ok := starlark.AsString(value)
		if !ok {
			return eris.Errorf("base.group must be a string, got %s", value.Type())
		}

		e.lock.Lock()
		e.group = str
		e.lock.Unlock()
	case "archives_dir":
		path, err := PathArg(value, "base.archives_dir")
		if err != nil {
			return err
		}

		e.lock.Lock()
		e.archivesDir = path
		e.lock.Unlock()
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("base has no writable field %s", name))
	}
	return nil
}

// BasePlugin registers the "base" extension and, for projects, the "clean" task.
var BasePlugin = PluginFunc(func(ctx context.Context, target Target) error {
	ext := &BaseExtension{archivesDir: filepath.Join(target.BuildDir(), "dist")}
	err := target.Extensions().Register("base", ext)
	if err != nil {
		return err
	}

	project, ok := target.(*Project)
	if !ok {
		return nil
	}

	clean, err := project.Tasks().Register("clean", "")
	if err != nil {
		return err
	}

	clean.Description = "Deletes the build directory."
	clean.DoLast(func(ctx context.Context, task *Task) error {
		dir := task.Project().BuildDir()
		support.Log(ctx).Info().Str("task", task.Path()).Msgf("Removing %s", dir)
		return eris.Wrapf(os.RemoveAll(dir), "failed to remove %s", dir)
	})
	return nil
})
