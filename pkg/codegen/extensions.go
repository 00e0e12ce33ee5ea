// Package codegen generates the modules scripts implicitly import.
package codegen

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

// generatedPrefix is skipped when scanning the host API so generated modules never re-export themselves.
const generatedPrefix = "stardsl/"

// ModuleExports lists the public functions of a single module.
type ModuleExports struct {
	Module    string
	Functions []string
}

// ScanModules returns the public functions of every module on cp in classpath order.
func ScanModules(cp classpath.ClassPath) ([]ModuleExports, error) {
	modules, err := cp.ListModules("")
	if err != nil {
		return nil, err
	}

	result := make([]ModuleExports, 0, len(modules))
	for _, module := range modules {
		if strings.HasPrefix(module, generatedPrefix) {
			continue
		}

		source, loc, err := cp.FindModule(module)
		if err != nil {
			return nil, err
		}

		functions, err := publicFunctions(loc.String(), source)
		if err != nil {
			return nil, err
		}
		if len(functions) > 0 {
			result = append(result, ModuleExports{Module: module, Functions: functions})
		}
	}

	return result, nil
}

func publicFunctions(filename string, source []byte) ([]string, error) {
	file, err := scope.FileOptions.Parse(filename, source, 0)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", filename)
	}

	names := []string{}
	for _, stmt := range file.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if ok && !strings.HasPrefix(def.Name.Name, "_") {
			names = append(names, def.Name.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// RenderAPIExtensions returns a module re-exporting every function in modules. If two modules export
// the same name, the first one wins.
func RenderAPIExtensions(ctx context.Context, modules []ModuleExports) string {
	var buf strings.Builder
	buf.WriteString("# Generated. Re-exports the host API.\n")

	seen := map[string]string{}
	assignments := []string{}
	for idx, module := range modules {
		aliases := []string{}
		for _, name := range module.Functions {
			if owner, ok := seen[name]; ok {
				support.Log(ctx).Debug().Msgf("%s from %s is shadowed by %s", name, module.Module, owner)
				continue
			}
			seen[name] = module.Module

			alias := fmt.Sprintf("_m%d_%s", idx, name)
			aliases = append(aliases, fmt.Sprintf("%s = %q", alias, name))
			assignments = append(assignments, fmt.Sprintf("%s = %s", name, alias))
		}

		if len(aliases) > 0 {
			fmt.Fprintf(&buf, "load(%q, %s)\n", module.Module, strings.Join(aliases, ", "))
		}
	}

	if len(assignments) > 0 {
		buf.WriteString("\n")
		buf.WriteString(strings.Join(assignments, "\n"))
		buf.WriteString("\n")
	}
	return buf.String()
}

// GenerateAPIExtensions writes a .kar archive to outputFile holding the implicit import that exposes the
// host API on hostAPI to scripts.
func GenerateAPIExtensions(ctx context.Context, hostAPI classpath.ClassPath, outputFile string) error {
	modules, err := ScanModules(hostAPI)
	if err != nil {
		return eris.Wrap(err, "failed to scan the host API")
	}

	return writeArchive(outputFile, templates.ExtensionsModule, RenderAPIExtensions(ctx, modules))
}

func writeArchive(outputFile, module, content string) error {
	writer, err := classpath.NewKarWriter(outputFile)
	if err != nil {
		return err
	}

	err = writer.WritePath(module, []byte(content))
	if err != nil {
		writer.Close()
		return eris.Wrapf(err, "failed to write %s", module)
	}

	return eris.Wrapf(writer.Close(), "failed to finish %s", outputFile)
}
