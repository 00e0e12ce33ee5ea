package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
)

func TestKeyBuilderDeterminism(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(lib, "a.star"), []byte("a = 1\n"), 0o644))

	cp := classpath.Of(lib)
	parent := scope.NewLoader("root(export)", classpath.Empty, nil)
	builder := NewKeyBuilder()

	build := func(spec KeySpec) string {
		key, err := builder.Build(spec)
		require.NoError(t, err)
		return key
	}

	base := NewKeySpec("stardsl").Plus("build.star").Plus("task('x')")
	key := build(base.PlusClassPath(cp).PlusLoader(parent))

	assert.Len(t, key, 64)
	assert.Equal(t, key, build(base.PlusClassPath(cp).PlusLoader(parent)))
	assert.Equal(t, key, build(NewKeySpec("stardsl").Plus("build.star").Plus("task('x')").PlusClassPath(classpath.Of(lib)).PlusLoader(scope.NewLoader("root(export)", classpath.Empty, nil))))

	// fragment
	assert.NotEqual(t, key, build(NewKeySpec("stardsl").Plus("build.star").Plus("task('y')").PlusClassPath(cp).PlusLoader(parent)))
	// classpath composition
	assert.NotEqual(t, key, build(base.PlusClassPath(cp.PlusEntries(filepath.Join(dir, "other"))).PlusLoader(parent)))
	// parent loader
	other := scope.NewLoader("root:buildscript(export)", classpath.Empty, nil)
	assert.NotEqual(t, key, build(base.PlusClassPath(cp).PlusLoader(other)))
	assert.NotEqual(t, key, build(base.PlusClassPath(cp).PlusLoader(nil)))

	// classpath content
	require.NoError(t, os.WriteFile(filepath.Join(lib, "a.star"), []byte("a = 2\n"), 0o644))
	assert.NotEqual(t, key, build(base.PlusClassPath(cp).PlusLoader(parent)))
}

func TestKeySpecComponentsDontRunTogether(t *testing.T) {
	builder := NewKeyBuilder()

	a, err := builder.Build(NewKeySpec("ab").Plus("c"))
	require.NoError(t, err)
	b, err := builder.Build(NewKeySpec("a").Plus("bc"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestKeySpecIsImmutable(t *testing.T) {
	builder := NewKeyBuilder()
	base := NewKeySpec("stardsl")
	_ = base.Plus("one")

	a, err := builder.Build(base)
	require.NoError(t, err)
	b, err := builder.Build(NewKeySpec("stardsl"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
