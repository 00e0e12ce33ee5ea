package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestExtensionRegistry(t *testing.T) {
	registry := NewExtensionRegistry()
	base := &BaseExtension{group: "org.example"}

	require.NoError(t, registry.Register("base", base))
	require.NoError(t, registry.Register("greeting", starlark.String("hi")))
	assert.Error(t, registry.Register("base", base))
	assert.Error(t, registry.Register("not valid", base))
	assert.Error(t, registry.Register("1st", base))

	ext, err := Lookup[*BaseExtension](registry, "base")
	require.NoError(t, err)
	assert.Same(t, base, ext)

	_, err = Lookup[*BaseExtension](registry, "greeting")
	var notFound *ExtensionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "greeting", notFound.Name)
	assert.Equal(t, "*host.BaseExtension", notFound.Type)

	str, err := LookupByType[starlark.String](registry)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("hi"), str)

	_, err = LookupByType[*Task](registry)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no extension of type *host.Task found", err.Error())

	assert.Equal(t, []string{"base", "greeting"}, registry.Names())
	assert.Equal(t, []ExtensionSchema{
		{Name: "base", Type: "base_extension"},
		{Name: "greeting", Type: "string"},
	}, registry.Schema())
}

func TestBaseExtensionFields(t *testing.T) {
	ext := &BaseExtension{}

	require.NoError(t, ext.SetField("group", starlark.String("org.example")))
	require.NoError(t, ext.SetField("archives_dir", Path("/tmp/dist")))
	assert.Error(t, ext.SetField("group", starlark.MakeInt(1)))
	assert.Error(t, ext.SetField("other", starlark.String("x")))

	value, err := ext.Attr("group")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("org.example"), value)
	assert.Equal(t, "/tmp/dist", ext.ArchivesDir())
}
