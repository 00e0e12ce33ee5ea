package classpath

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeKar(t *testing.T, filename string, files map[string]string) {
	t.Helper()

	writer, err := NewKarWriter(filename)
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, writer.WritePath(name, []byte(content)))
	}
	require.NoError(t, writer.Close())
}

func TestKarRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "api.kar")
	writeKar(t, filename, map[string]string{
		"stardsl/extensions.star":  "def hello():\n    pass\n",
		"stardsl/nested/deep.star": "x = 1\n",
		"top.star":                 strings.Repeat("y = 2\n", 100),
		"empty.txt":                "",
	})

	archive, err := OpenKar(filename)
	require.NoError(t, err)
	defer archive.Close()

	assert.Equal(t, []string{"empty.txt", "stardsl/extensions.star", "stardsl/nested/deep.star", "top.star"}, archive.Names())

	content, err := archive.ReadFile("stardsl/nested/deep.star")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(content))

	content, err = archive.ReadFile("top.star")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("y = 2\n", 100), string(content))

	content, err = archive.ReadFile("empty.txt")
	require.NoError(t, err)
	assert.Empty(t, content)

	_, err = archive.ReadFile("missing.star")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writeKarInOrder(t *testing.T, filename string, names []string, files map[string]string) {
	t.Helper()

	writer, err := NewKarWriter(filename)
	require.NoError(t, err)
	for _, name := range names {
		require.NoError(t, writer.WritePath(name, []byte(files[name])))
	}
	require.NoError(t, writer.Close())
}

func TestKarIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"a/b.star": "b = 1\n", "a/c.star": "c = 2\n", "d.star": "d = 3\n"}

	writeKarInOrder(t, filepath.Join(dir, "one.kar"), []string{"a/b.star", "a/c.star", "d.star"}, files)
	writeKarInOrder(t, filepath.Join(dir, "two.kar"), []string{"d.star", "a/c.star", "a/b.star"}, files)

	archive, err := OpenKar(filepath.Join(dir, "two.kar"))
	require.NoError(t, err)
	content, err := archive.ReadFile("a/c.star")
	require.NoError(t, err)
	assert.Equal(t, "c = 2\n", string(content))
	require.NoError(t, archive.Close())

	one, err := os.ReadFile(filepath.Join(dir, "one.kar"))
	require.NoError(t, err)
	two, err := os.ReadFile(filepath.Join(dir, "two.kar"))
	require.NoError(t, err)
	assert.Equal(t, one, two)
}

func TestOpenKarRejectsOtherFiles(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "fake.kar")
	writeFile(t, filename, "PK\x03\x04 definitely not a kar archive")

	_, err := OpenKar(filename)
	assert.Error(t, err)
}

func TestClassPathOfDeduplicates(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")

	cp := Of(a, b, a, "")
	assert.Equal(t, []string{a, b}, cp.Entries())
	assert.False(t, cp.IsEmpty())
	assert.True(t, Empty.IsEmpty())

	combined := cp.Plus(Of(filepath.Join(dir, "c"), b))
	assert.Equal(t, []string{a, b, filepath.Join(dir, "c")}, combined.Entries())
	assert.Equal(t, a+string(os.PathListSeparator)+b, cp.String())
}

func TestFindModuleOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second.kar")

	writeFile(t, filepath.Join(first, "lib", "util.star"), "source = 'dir'\n")
	writeKar(t, second, map[string]string{
		"lib/util.star":  "source = 'kar'\n",
		"lib/other.star": "other = True\n",
		"Main.starc":     "bytecode",
	})

	cp := Of(first, second)

	content, loc, err := cp.FindModule("lib/util.star")
	require.NoError(t, err)
	assert.Equal(t, "source = 'dir'\n", string(content))
	assert.Equal(t, first, loc.Entry)

	content, loc, err = cp.FindModule("lib/other.star")
	require.NoError(t, err)
	assert.Equal(t, "other = True\n", string(content))
	assert.Equal(t, second+"!/lib/other.star", loc.String())

	content, _, err = cp.FindProgram("Main")
	require.NoError(t, err)
	assert.Equal(t, "bytecode", string(content))

	_, _, err = cp.FindModule("lib/missing.star")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.False(t, cp.HasModule("lib/missing.star"))

	names, err := cp.ListModules("lib/")
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/util.star", "lib/other.star"}, names)
}

func TestHasherTracksContent(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib")
	writeFile(t, filepath.Join(lib, "a.star"), "a = 1\n")

	hasher := NewHasher()
	cp := Of(lib)

	first, err := hasher.Hash(cp)
	require.NoError(t, err)

	again, err := hasher.Hash(cp)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	writeFile(t, filepath.Join(lib, "a.star"), "a = 2\n")
	changed, err := hasher.Hash(cp)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	extended, err := hasher.Hash(cp.PlusEntries(filepath.Join(dir, "missing")))
	require.NoError(t, err)
	assert.NotEqual(t, changed, extended)
}

func TestHasherArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "x.kar")
	writeKar(t, archive, map[string]string{"x.star": "x = 1\n"})

	hasher := NewHasher()
	first, err := hasher.Hash(Of(archive))
	require.NoError(t, err)

	writeKar(t, archive, map[string]string{"x.star": "x = 22\ny = 33\nz = 44\n"})
	second, err := hasher.Hash(Of(archive))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
