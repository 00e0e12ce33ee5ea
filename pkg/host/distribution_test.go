package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionClassPath(t *testing.T) {
	home := t.TempDir()
	lib := filepath.Join(home, "lib")
	require.NoError(t, os.MkdirAll(filepath.Join(lib, "runtime"), 0o755))
	for _, name := range []string{"b.kar", "a.kar", "notes.txt", filepath.Join("runtime", "core.kar")} {
		require.NoError(t, os.WriteFile(filepath.Join(lib, name), nil, 0o644))
	}

	dist := Distribution{Home: home}

	api, err := dist.ClassPathFor(HostAPINotation)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(lib, "a.kar"), filepath.Join(lib, "b.kar")}, api.Entries())

	runtime, err := dist.ClassPathFor(RuntimeNotation)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(lib, "runtime", "core.kar")}, runtime.Entries())

	_, err = dist.ClassPathFor("kotlin-stdlib")
	assert.Error(t, err)

	empty, err := Distribution{Home: t.TempDir()}.ClassPathFor(HostAPINotation)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}
