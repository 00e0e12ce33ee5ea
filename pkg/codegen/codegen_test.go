package codegen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

func writeModule(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanModules(t *testing.T) {
	api := t.TempDir()
	writeModule(t, api, "lib/go.star", "def go_build():\n    pass\n\ndef _helper():\n    pass\n\nVERSION = 1\n")
	writeModule(t, api, "lib/empty.star", "X = 1\n")
	writeModule(t, api, "stardsl/extensions.star", "def ignored():\n    pass\n")

	modules, err := ScanModules(classpath.Of(api))
	require.NoError(t, err)
	assert.Equal(t, []ModuleExports{{Module: "lib/go.star", Functions: []string{"go_build"}}}, modules)
}

func TestRenderAPIExtensionsFirstModuleWins(t *testing.T) {
	out := RenderAPIExtensions(context.Background(), []ModuleExports{
		{Module: "a.star", Functions: []string{"build", "lint"}},
		{Module: "b.star", Functions: []string{"build", "pack"}},
	})

	assert.Contains(t, out, "load(\"a.star\", _m0_build = \"build\", _m0_lint = \"lint\")\n")
	assert.Contains(t, out, "load(\"b.star\", _m1_pack = \"pack\")\n")
	assert.Contains(t, out, "build = _m0_build\n")
	assert.NotContains(t, out, "_m1_build")
}

func TestGeneratedExtensionsExecute(t *testing.T) {
	api := t.TempDir()
	writeModule(t, api, "lib/greet.star", "def greet(name):\n    return \"hello \" + name\n")

	outDir := t.TempDir()
	archive := filepath.Join(outDir, "extensions.kar")
	require.NoError(t, GenerateAPIExtensions(context.Background(), classpath.Of(api), archive))

	loader := scope.NewLoader("test", classpath.Of(api, archive), nil)
	thread := &starlark.Thread{Name: "test", Load: loader.Load}
	globals, err := loader.Load(thread, templates.ExtensionsModule)
	require.NoError(t, err)

	result, err := starlark.Call(thread, globals["greet"], starlark.Tuple{starlark.String("world")}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("hello world"), result)
}

func TestRenderAccessors(t *testing.T) {
	out := RenderAccessors([]host.ExtensionSchema{{Name: "base", Type: "base_extension"}})

	assert.Contains(t, out, "def base():\n")
	assert.Contains(t, out, "return extension(\"base\")\n")
}

func TestGenerateAccessorsSkipsBuiltinNames(t *testing.T) {
	registry := host.NewExtensionRegistry()
	require.NoError(t, registry.Register("base", starlark.String("b")))
	require.NoError(t, registry.Register("task", starlark.String("t")))

	archive := filepath.Join(t.TempDir(), "accessors.kar")
	require.NoError(t, GenerateAccessors(registry, archive))

	source, _, err := classpath.Of(archive).FindModule(templates.AccessorsModule)
	require.NoError(t, err)
	assert.Contains(t, string(source), "def base():")
	assert.NotContains(t, string(source), "def task():")
}
