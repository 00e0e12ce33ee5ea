package host

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProjectPath(t *testing.T) {
	for input, expected := range map[string]string{
		"":            ":",
		":":           ":",
		"sub":         ":sub",
		":sub":        ":sub",
		"a:b":         ":a:b",
		":a:b:":       ":a:b",
		" a : b ":     ":a:b",
		"::a:::b::":   ":a:b",
		"lib-utils:x": ":lib-utils:x",
	} {
		assert.Equal(t, expected, normalizeProjectPath(input), input)
	}
}

func TestConfigureEvaluatesParentsFirst(t *testing.T) {
	runner := &recordingRunner{
		settings: func(s *Settings) {
			s.Include("b:nested", "a", ":a")
		},
	}
	b := newTestBuild(t, runner)

	require.NoError(t, b.Configure(context.Background()))
	assert.Equal(t, []string{"settings", ":", ":a", ":b", ":b:nested"}, runner.order)

	nested := b.FindProject("b:nested")
	require.NotNil(t, nested)
	assert.Equal(t, "nested", nested.Name())
	assert.Equal(t, filepath.Join(b.RootDir, "b", "nested"), nested.ProjectDir())
	assert.Equal(t, filepath.Join(b.RootDir, "b", "nested", "build"), nested.BuildDir())
	assert.Same(t, b.FindProject(":b"), nested.Parent())
}

func TestProjectScopes(t *testing.T) {
	runner := &recordingRunner{
		settings: func(s *Settings) {
			s.Include("sub")
		},
	}
	b := newTestBuild(t, runner)
	require.NoError(t, b.Configure(context.Background()))

	settings := b.Settings()
	root := b.RootProject()
	sub := b.FindProject(":sub")

	assert.Same(t, b.RootScope, settings.BaseScope())
	assert.Same(t, settings.TargetScope(), root.BaseScope())
	assert.Same(t, root.TargetScope(), sub.BaseScope())
	assert.Same(t, sub.BaseScope(), sub.TargetScope().Parent())
	assert.Equal(t, "host:settings:project-::project-:sub", sub.TargetScope().Path())
}

func TestRootProjectName(t *testing.T) {
	runner := &recordingRunner{
		settings: func(s *Settings) {
			s.rootProjectName = "knossos"
		},
	}
	b := newTestBuild(t, runner)
	require.NoError(t, b.Configure(context.Background()))

	assert.Equal(t, "knossos", b.RootProject().Name())
	assert.Equal(t, ":", b.RootProject().Path())
}

func TestApplyScriptDelegatesToRunner(t *testing.T) {
	runner := &recordingRunner{}
	b := newTestBuild(t, runner)

	require.NoError(t, b.ApplyScript(context.Background(), b.Settings(), "other.star"))
	assert.Equal(t, []string{"settings=other.star"}, runner.applied)
}

func TestBasePluginIsRegistered(t *testing.T) {
	b := newTestBuild(t, &recordingRunner{})
	require.NoError(t, b.Configure(context.Background()))

	root := b.RootProject()
	require.NoError(t, root.Plugins().Apply(context.Background(), BasePluginID))
	require.NoError(t, root.Plugins().Apply(context.Background(), BasePluginID))

	assert.Equal(t, []string{BasePluginID}, root.Plugins().AppliedIDs())
	assert.Equal(t, []string{"clean"}, root.Tasks().Names())

	ext, err := Lookup[*BaseExtension](root.Extensions(), "base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.BuildDir(), "dist"), ext.ArchivesDir())
}
