package scope

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

func writeModule(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLockedScopeRejectsChanges(t *testing.T) {
	root := NewRoot("root", classpath.Empty)
	child := root.CreateChild("buildscript")

	require.NoError(t, child.Local(classpath.Of("/a")))
	require.NoError(t, child.Export(classpath.Of("/b")))

	child.Lock()
	child.Lock()
	assert.True(t, child.Locked())

	err := child.Local(classpath.Of("/c"))
	assert.True(t, eris.Is(err, ErrScopeLocked))

	err = child.Export(classpath.Of("/c"))
	assert.True(t, eris.Is(err, ErrScopeLocked))

	assert.Equal(t, []string{"/a"}, child.LocalClassPath().Entries())
	assert.Equal(t, "root:buildscript", child.Path())
}

func TestLocalLoaderRequiresLock(t *testing.T) {
	child := NewRoot("root", classpath.Empty).CreateChild("script")

	_, err := child.LocalLoader()
	assert.True(t, eris.Is(err, ErrScopeNotLocked))

	loader, err := child.Lock().LocalLoader()
	require.NoError(t, err)
	assert.Equal(t, "root:script(local)", loader.Name())
}

func TestExportClassPathFromHierarchy(t *testing.T) {
	root := NewRoot("root", classpath.Of("/api"))
	project := root.CreateChild("project")
	require.NoError(t, project.Export(classpath.Of("/plugin")))
	script := project.CreateChild("script")
	require.NoError(t, script.Export(classpath.Of("/extra")))

	assert.Equal(t, []string{"/api", "/plugin", "/extra"}, script.ExportClassPathFromHierarchy().Entries())
	assert.Equal(t, []string{"/api", "/plugin"}, project.ExportClassPathFromHierarchy().Entries())
}

func TestLoaderDelegatesToParent(t *testing.T) {
	dir := t.TempDir()
	api := filepath.Join(dir, "api")
	local := filepath.Join(dir, "local")
	writeModule(t, api, "lib/greet.star", "greeting = 'from api'\n")
	writeModule(t, local, "lib/greet.star", "greeting = 'from local'\n")
	writeModule(t, local, "lib/own.star", "load('lib/greet.star', 'greeting')\nown = greeting + '!'\n")

	root := NewRoot("root", classpath.Of(api))
	child := root.CreateChild("script")
	require.NoError(t, child.Local(classpath.Of(local)))

	loader, err := child.Lock().LocalLoader()
	require.NoError(t, err)

	thread := &starlark.Thread{Name: "test", Load: loader.Load}
	globals, err := loader.Load(thread, "lib/own.star")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("from api!"), globals["own"])

	again, err := loader.Load(thread, "lib/own.star")
	require.NoError(t, err)
	assert.Equal(t, globals["own"], again["own"])

	assert.True(t, loader.HasModule("lib/greet.star"))
	assert.False(t, loader.HasModule("lib/missing.star"))
	assert.Equal(t, []string{api, local}, loader.EffectiveClassPath().Entries())
}

func TestLoaderDetectsCycles(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.star", "load('b.star', 'b')\na = 1\n")
	writeModule(t, dir, "b.star", "load('a.star', 'a')\nb = 2\n")

	loader := NewLoader("test", classpath.Of(dir), nil)
	thread := &starlark.Thread{Name: "test", Load: loader.Load}

	_, err := loader.Load(thread, "a.star")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoaderUsesModuleEnv(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "env.star", "value = answer * 2\n")

	loader := NewLoader("test", classpath.Of(dir), nil)
	thread := &starlark.Thread{Name: "test", Load: loader.Load}
	SetModuleEnv(thread, starlark.StringDict{"answer": starlark.MakeInt(21)})

	globals, err := loader.Load(thread, "env.star")
	require.NoError(t, err)
	assert.Equal(t, starlark.MakeInt(42), globals["value"])
}

func TestLoadClass(t *testing.T) {
	dir := t.TempDir()

	_, prog, err := starlark.SourceProgramOptions(FileOptions, "Main.star", "result = 6 * 7\n", func(string) bool { return false })
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, prog.Write(&buf))
	writeModule(t, dir, "Main.starc", buf.String())

	loader := NewLoader("test", classpath.Of(dir), NewLoader("parent", classpath.Empty, nil))
	loaded, err := loader.LoadClass("Main")
	require.NoError(t, err)

	globals, err := loaded.Init(&starlark.Thread{Name: "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.MakeInt(42), globals["result"])

	_, err = loader.LoadClass("Other")
	assert.True(t, eris.Is(err, classpath.ErrNotFound))
}

func TestIdentityReflectsChain(t *testing.T) {
	parent := NewLoader("parent", classpath.Of("/p"), nil)
	a := NewLoader("child", classpath.Of("/c"), parent)
	b := NewLoader("child", classpath.Of("/c"), NewLoader("parent", classpath.Of("/p"), nil))
	c := NewLoader("child", classpath.Of("/c"), NewLoader("parent", classpath.Of("/q"), nil))

	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
}

func TestHierarchyJSON(t *testing.T) {
	root := NewRoot("root", classpath.Of("/home/user/api"))
	script := root.CreateChild("script")
	require.NoError(t, script.Local(classpath.Of("/home/user/cache/classes")))
	loader, err := script.Lock().LocalLoader()
	require.NoError(t, err)

	data, err := HierarchyJSON("Build_star", loader, script, func(path string) string {
		return strings.ReplaceAll(path, "/home/user", "$HOME")
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Build_star", decoded["loadedClass"])
	assert.Equal(t, "root:script", decoded["scopePath"])
	assert.Contains(t, string(data), "$HOME/cache/classes")
	assert.NotContains(t, string(data), "/home/user")
}
