package templates

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
)

type stubRunner struct {
	includes []string
	applied  []string
}

func (r *stubRunner) EvaluateSettings(ctx context.Context, settings *host.Settings) error {
	settings.Include(r.includes...)
	return nil
}

func (r *stubRunner) EvaluateProject(ctx context.Context, project *host.Project) error {
	return nil
}

func (r *stubRunner) ApplyScript(ctx context.Context, target host.Target, scriptPath string) error {
	r.applied = append(r.applied, scriptPath)
	return nil
}

func newBuild(t *testing.T, runner *stubRunner) *host.Build {
	t.Helper()

	b, err := host.NewBuild(host.BuildOptions{
		RootDir:   t.TempDir(),
		RootScope: scope.NewRoot("host", classpath.Empty),
		Runner:    runner,
	})
	require.NoError(t, err)
	require.NoError(t, b.Configure(context.Background()))
	return b
}

func compile(t *testing.T, desc Descriptor, cp classpath.ClassPath, filename, src string) *starlark.Program {
	t.Helper()

	implicit, err := ImplicitNames(desc, cp)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, name := range implicit {
		names[name] = true
	}

	_, prog, err := starlark.SourceProgramOptions(scope.FileOptions, filename, src, func(name string) bool {
		return desc.IsPredeclared(name) || names[name]
	})
	require.NoError(t, err)
	return prog
}

func run[T any](t *testing.T, tmpl *Template[T], cp classpath.ClassPath, target host.Target, recv T, src string) (starlark.StringDict, error) {
	t.Helper()

	scriptPath := filepath.Join(target.ProjectDir(), "build.star")
	prog := compile(t, tmpl, cp, scriptPath, src)

	instance, err := tmpl.Bind(prog, scope.NewLoader("test", cp, nil), target, scriptPath)(context.Background(), recv)
	require.NoError(t, err)
	return instance.Run()
}

func TestBuildScriptRegistersTasks(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	_, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, `
project().description = "demo"
apply(plugin = "base")

compile = task("compile", description = "Compiles", cmds = ["echo compiling", ("echo", "two words")])
task("x", deps = [compile, "clean"], do_last = lambda: print("hi"))

# block names are ignored in the body
buildscript(repositories = [local_repository("repo")])
plugins(id("base"))
`)
	require.NoError(t, err)

	assert.Equal(t, "demo", project.Description)
	assert.Equal(t, []string{"base"}, project.Plugins().AppliedIDs())
	assert.Equal(t, []string{"clean", "compile", "x"}, project.Tasks().Names())

	x := project.Tasks().Get("x")
	assert.Equal(t, []string{":compile", "clean"}, x.Dependencies())
	assert.Len(t, x.Actions(), 1)
	assert.Equal(t, "Compiles", project.Tasks().Get("compile").Description)
	assert.Empty(t, project.ScriptHandler().Repositories())
}

func TestBuildScriptErrorsCarryPositions(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	_, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, "x = 1\nextension(\"missing\")\n")
	require.Error(t, err)

	var evalErr *starlark.EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Backtrace(), "build.star:2:")

	var notFound *host.ExtensionNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestExtensionBuiltin(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()
	require.NoError(t, project.Plugins().Apply(context.Background(), host.BasePluginID))

	globals, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, `
def configure(base):
    base.group = "org.example"

ext = extension("base", configure)
group = ext.group
`)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("org.example"), globals["group"])
}

func TestApplyScript(t *testing.T) {
	runner := &stubRunner{}
	b := newBuild(t, runner)
	project := b.RootProject()

	_, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, `apply(script = "other.star")`)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(project.ProjectDir(), "other.star")}, runner.applied)

	_, err = run[host.Target](t, BuildScript, classpath.Empty, project, project, `apply()`)
	assert.Error(t, err)
}

func TestSettingsScript(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	settings := b.Settings()

	_, err := run[host.Target](t, SettingsScript, classpath.Empty, settings, settings, `
settings().root_project_name = "demo"
include("a", "b:c")
`)
	require.NoError(t, err)
	assert.Equal(t, "demo", settings.RootProjectName())
	assert.Equal(t, []string{":a", ":b:c"}, settings.Includes())
}

func TestTaskRequiresProject(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	settings := b.Settings()

	_, err := run[host.Target](t, ScriptPlugin, classpath.Empty, settings, settings, `task("x")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can only be used in project scripts")
}

func TestBuildscriptBlock(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	_, err := run[host.Target](t, BuildscriptBlock, classpath.Empty, project, project, `
buildscript(
    repositories = [local_repository("repo"), maven("https://repo.example.org/")],
    dependencies = [classpath("org.example:greet:1.0")],
)
`)
	require.NoError(t, err)

	assert.Equal(t, []host.Repository{
		{Kind: host.LocalRepository, Location: filepath.Join(project.ProjectDir(), "repo")},
		{Kind: host.RemoteRepository, Location: "https://repo.example.org/"},
	}, project.ScriptHandler().Repositories())
	assert.Equal(t, []host.Dependency{{Group: "org.example", Name: "greet", Version: "1.0"}}, project.ScriptHandler().Dependencies())

	_, err = run[host.Target](t, BuildscriptBlock, classpath.Empty, project, project, `buildscript(dependencies = ["org.example:greet:1.0"])`)
	assert.Error(t, err)
}

func TestPluginsBlock(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	collector := host.NewPluginRequestCollector("build.star")
	spec := collector.CreateSpec(2)

	_, err := run(t, PluginsBlock, classpath.Empty, project, spec, `

plugins(
    id("base"),
    id("org.example.greet", version = "1.0", apply = False),
    id("org.example.other").version("2.0"),
)
`)
	require.NoError(t, err)

	assert.Equal(t, host.PluginRequests{
		{ID: "base", Apply: true, Line: 4, ScriptPath: "build.star"},
		{ID: "org.example.greet", Version: "1.0", Apply: false, Line: 5, ScriptPath: "build.star"},
		{ID: "org.example.other", Version: "2.0", Apply: true, Line: 6, ScriptPath: "build.star"},
	}, collector.PluginRequests())

	spec = host.NewPluginRequestCollector("build.star").CreateSpec(1)
	_, err = run(t, PluginsBlock, classpath.Empty, project, spec, "plugins(\n    id(\"base\"),\n    id(\"base\"),\n)\n")
	var duplicate *host.DuplicatePluginRequestError
	require.ErrorAs(t, err, &duplicate)
	assert.Equal(t, 2, duplicate.FirstLine)
}

func TestImplicitImports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "stardsl"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ExtensionsModule), []byte(`
def greet(name):
    return "hello " + name

_hidden = 1
answer, (first, second) = 42, (1, 2)
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, AccessorsModule), []byte("def base():\n    return extension(\"base\")\n"), 0o644))

	cp := classpath.Of(dir)

	names, err := ImplicitNames(BuildScript, cp)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer", "base", "first", "greet", "second"}, names)

	names, err = ImplicitNames(ScriptPlugin, cp)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer", "first", "greet", "second"}, names)

	b := newBuild(t, &stubRunner{})
	project := b.RootProject()
	require.NoError(t, project.Plugins().Apply(context.Background(), host.BasePluginID))

	globals, err := run[host.Target](t, BuildScript, cp, project, project, `
message = greet("world")
base_type = type(base())
`)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("hello world"), globals["message"])
	assert.Equal(t, starlark.String("base_extension"), globals["base_type"])
}

func TestReadYamlAndPaths(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	require.NoError(t, os.WriteFile(filepath.Join(project.ProjectDir(), "config.yml"), []byte(`
name: demo
versions:
  - 1
  - 2
nested:
  flag: true
`), 0o644))

	globals, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, `
name = read_yaml("config.yml", "name")
second = read_yaml("config.yml", "versions.1")
flag = read_yaml("//config.yml", "nested.flag")
missing = read_yaml("config.yml", "nested.other", "fallback")
whole = read_yaml("config.yml")["nested"]["flag"]
rel = resolve_path("a/b", "../c", base = "a")
exists = isfile("config.yml") and not isdir("config.yml")
encoded = json.encode(struct(a = 1))
`)
	require.NoError(t, err)

	assert.Equal(t, starlark.String("demo"), globals["name"])
	assert.Equal(t, starlark.MakeInt(2), globals["second"])
	assert.Equal(t, starlark.True, globals["flag"])
	assert.Equal(t, starlark.String("fallback"), globals["missing"])
	assert.Equal(t, starlark.True, globals["whole"])
	assert.Equal(t, host.Path("c"), globals["rel"])
	assert.Equal(t, starlark.True, globals["exists"])
	assert.Equal(t, starlark.String(`{"a":1}`), globals["encoded"])
}

func TestExecute(t *testing.T) {
	b := newBuild(t, &stubRunner{})
	project := b.RootProject()

	globals, err := run[host.Target](t, BuildScript, classpath.Empty, project, project, `
text = execute("echo hello")
data = execute(("echo", '{"a": [1, 2]}'), format = "json")
failed = execute("false")
`)
	require.NoError(t, err)

	assert.Equal(t, starlark.String("hello\n"), globals["text"])
	assert.Equal(t, starlark.False, globals["failed"])

	dict, ok := globals["data"].(*starlark.Dict)
	require.True(t, ok)
	value, found, err := dict.Get(starlark.String("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "(1.0, 2.0)", value.String())
}
