package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
)

func noopPlugin(applied *[]string, id string) Plugin {
	return PluginFunc(func(ctx context.Context, target Target) error {
		*applied = append(*applied, id)
		return nil
	})
}

func TestRegistryResolvesNewestMatchingVersion(t *testing.T) {
	registry := NewPluginRegistry()
	var applied []string
	for _, version := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		require.NoError(t, registry.Register(PluginDescriptor{ID: "org.example.greet", Version: version, Plugin: noopPlugin(&applied, version)}))
	}

	desc, err := registry.Resolve("org.example.greet", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", desc.Version)

	desc, err = registry.Resolve("org.example.greet", "^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", desc.Version)

	desc, err = registry.Resolve("org.example.greet", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", desc.Version)

	_, err = registry.Resolve("org.example.greet", ">=3")
	var notFound *PluginNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Plugin [id: 'org.example.greet', version: '>=3'] was not found.", err.Error())

	_, err = registry.Resolve("missing", "")
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ID)
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	registry := NewPluginRegistry()
	var applied []string

	assert.Error(t, registry.Register(PluginDescriptor{Plugin: noopPlugin(&applied, "x")}))
	assert.Error(t, registry.Register(PluginDescriptor{ID: "x"}))
	assert.Error(t, registry.Register(PluginDescriptor{ID: "x", Version: "one", Plugin: noopPlugin(&applied, "x")}))

	require.NoError(t, registry.Register(PluginDescriptor{ID: "x", Version: "1.0.0", Plugin: noopPlugin(&applied, "x")}))
	assert.Error(t, registry.Register(PluginDescriptor{ID: "x", Version: "1.0.0", Plugin: noopPlugin(&applied, "x")}))
}

func TestPluginDependenciesSpecRejectsDuplicates(t *testing.T) {
	collector := NewPluginRequestCollector("build.star")
	spec := collector.CreateSpec(3)

	dep, err := spec.ID("org.example.greet", 4)
	require.NoError(t, err)
	dep.SetVersion("1.0")

	_, err = spec.ID("base", 0)
	require.NoError(t, err)

	_, err = spec.ID("org.example.greet", 6)
	var duplicate *DuplicatePluginRequestError
	require.ErrorAs(t, err, &duplicate)
	assert.Equal(t, 4, duplicate.FirstLine)
	assert.Equal(t, 6, duplicate.Request.Line)
	assert.Equal(t, "Plugin with id 'org.example.greet' was already requested at line 4", err.Error())

	requests := collector.PluginRequests()
	assert.Equal(t, PluginRequests{
		{ID: "org.example.greet", Version: "1.0", Apply: true, Line: 4, ScriptPath: "build.star"},
		{ID: "base", Apply: true, Line: 3, ScriptPath: "build.star"},
	}, requests)
}

func TestApplicatorExportsClassPathAndLocksScope(t *testing.T) {
	b := newTestBuild(t, &recordingRunner{})
	require.NoError(t, b.Configure(context.Background()))
	project := b.RootProject()

	pluginDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "greet.star"), []byte("def greet():\n    return 'hi'\n"), 0o644))

	var applied []string
	require.NoError(t, b.Registry.Register(PluginDescriptor{
		ID:        "org.example.greet",
		Version:   "1.0.0",
		ClassPath: classpath.Of(pluginDir),
		Plugin:    noopPlugin(&applied, "greet"),
	}))
	require.NoError(t, b.Registry.Register(PluginDescriptor{
		ID:      "org.example.other",
		Version: "1.0.0",
		Plugin:  noopPlugin(&applied, "other"),
	}))

	applicator := &DefaultPluginRequestApplicator{Registry: b.Registry}
	requests := PluginRequests{
		{ID: "org.example.greet", Version: "1.0.0", Apply: true, Line: 2},
		{ID: "org.example.other", Apply: false, Line: 3},
	}

	err := applicator.ApplyPlugins(context.Background(), requests, project.ScriptHandler(), project.Plugins(), project.TargetScope())
	require.NoError(t, err)

	assert.Equal(t, []string{"greet"}, applied)
	assert.Equal(t, []string{"org.example.greet"}, project.Plugins().AppliedIDs())
	assert.True(t, project.TargetScope().Locked())
	assert.True(t, project.TargetScope().ExportLoader().HasModule("greet.star"))
	assert.ErrorIs(t, project.TargetScope().Export(classpath.Empty), scope.ErrScopeLocked)
}

func TestApplicatorFailsOnUnknownPlugin(t *testing.T) {
	b := newTestBuild(t, &recordingRunner{})
	require.NoError(t, b.Configure(context.Background()))
	project := b.RootProject()

	applicator := &DefaultPluginRequestApplicator{Registry: b.Registry}
	err := applicator.ApplyPlugins(context.Background(), PluginRequests{{ID: "nope", Apply: true, Line: 7, ScriptPath: "build.star"}},
		project.ScriptHandler(), project.Plugins(), project.TargetScope())

	var notFound *PluginNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "build.star:7")
	assert.False(t, project.TargetScope().Locked())
}
