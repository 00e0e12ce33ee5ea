package compiler

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/diag"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/templates"
)

func compileScriptToDirectory(outputDir string, spec ScriptSpec, cp classpath.ClassPath, parentLoader *scope.Loader, collector *diag.MessageCollector) (string, error) {
	visible := cp
	if parentLoader != nil {
		visible = parentLoader.EffectiveClassPath().Plus(cp)
	}

	implicit, err := templates.ImplicitNames(spec.Template, visible)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read the implicit imports of %s", spec.ScriptPath)
	}
	implicitSet := make(map[string]bool, len(implicit))
	for _, name := range implicit {
		implicitSet[name] = true
	}

	file, prog, err := starlark.SourceProgramOptions(scope.FileOptions, spec.ScriptPath, spec.Source, func(name string) bool {
		return spec.Template.IsPredeclared(name) || implicitSet[name]
	})
	if err != nil {
		collector.ReportError(err, spec.ScriptPath)
		return "", collector.CompilationError(spec.ScriptPath)
	}

	for _, load := range loadStatements(file) {
		module, ok := load.Module.Value.(string)
		if !ok {
			continue
		}
		if cp.HasModule(module) || (parentLoader != nil && parentLoader.HasModule(module)) {
			continue
		}

		collector.Report(diag.Message{
			Severity: diag.SeverityError,
			Path:     spec.ScriptPath,
			Line:     int(load.Module.TokenPos.Line),
			Column:   int(load.Module.TokenPos.Col),
			Text:     "module " + module + " not found on the script classpath",
		})
	}
	if collector.HasErrors() {
		return "", collector.CompilationError(spec.ScriptPath)
	}

	className := spec.className()
	classesDir := filepath.Join(outputDir, ClassesDir)
	if err := os.MkdirAll(classesDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "failed to create %s", classesDir)
	}

	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return "", eris.Wrapf(err, "failed to encode %s", spec.ScriptPath)
	}

	programPath := filepath.Join(classesDir, className+classpath.ProgramExt)
	if err := os.WriteFile(programPath, buf.Bytes(), 0o644); err != nil {
		return "", eris.Wrapf(err, "failed to write %s", programPath)
	}

	sourcePath := cacheFileFor(outputDir, spec)
	if err := os.WriteFile(sourcePath, []byte(spec.Source), 0o644); err != nil {
		return "", eris.Wrapf(err, "failed to write %s", sourcePath)
	}

	return className, nil
}

func loadStatements(file *syntax.File) []*syntax.LoadStmt {
	result := []*syntax.LoadStmt{}
	for _, stmt := range file.Stmts {
		if load, ok := stmt.(*syntax.LoadStmt); ok {
			result = append(result, load)
		}
	}
	return result
}
