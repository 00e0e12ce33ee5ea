package codegen

import (
	"fmt"
	"strings"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

// RenderAccessors returns a module with one function per extension in schema.
func RenderAccessors(schema []host.ExtensionSchema) string {
	var buf strings.Builder
	buf.WriteString("# Generated. Accessors for the extensions of the current target.\n")

	for _, ext := range schema {
		fmt.Fprintf(&buf, "\ndef %s():\n", ext.Name)
		fmt.Fprintf(&buf, "    \"\"\"Returns the %s extension (%s).\"\"\"\n", ext.Name, ext.Type)
		fmt.Fprintf(&buf, "    return extension(%q)\n", ext.Name)
	}
	return buf.String()
}

// GenerateAccessors writes a .kar archive with the accessors for every extension in registry to outputFile.
// Extensions named like a build script builtin are left out.
func GenerateAccessors(registry *host.ExtensionRegistry, outputFile string) error {
	schema := []host.ExtensionSchema{}
	for _, ext := range registry.Schema() {
		if !templates.BuildScript.IsPredeclared(ext.Name) {
			schema = append(schema, ext)
		}
	}

	return writeArchive(outputFile, templates.AccessorsModule, RenderAccessors(schema))
}
