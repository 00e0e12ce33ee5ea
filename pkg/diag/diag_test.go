package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

func TestCompilerMessageFor(t *testing.T) {
	assert.Equal(t, "/p/build.star:3:7: boom", CompilerMessageFor("/p/build.star", 3, 7, "boom"))
}

func TestUnexpectedBlockMessage(t *testing.T) {
	assert.Equal(t,
		"Unexpected `plugins` block found. Only one `plugins` block is allowed per script.",
		UnexpectedBlockMessage("plugins"))
}

func TestCollectorResolveErrors(t *testing.T) {
	collector := NewMessageCollector(nil)

	_, _, err := starlark.SourceProgramOptions(&syntax.FileOptions{}, "/project/build.star", "\n\nx = undefined_name\n", func(string) bool { return false })
	require.Error(t, err)

	collector.ReportError(err, "/project/build.star")
	require.True(t, collector.HasErrors())

	errs := collector.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "/project/build.star", errs[0].Path)
	assert.Equal(t, 3, errs[0].Line)
	assert.Equal(t, 5, errs[0].Column)
	assert.Contains(t, errs[0].Text, "undefined_name")
}

func TestCollectorSyntaxError(t *testing.T) {
	collector := NewMessageCollector(nil)

	_, _, err := starlark.SourceProgramOptions(&syntax.FileOptions{}, "build.star", "x = (1,\n", func(string) bool { return false })
	require.Error(t, err)

	collector.ReportError(err, "build.star")
	compErr := collector.CompilationError("build.star")
	require.Error(t, compErr)

	var scriptErr *ScriptCompilationError
	require.ErrorAs(t, compErr, &scriptErr)
	assert.Equal(t, "build.star", scriptErr.Messages[0].Path)
	assert.Contains(t, compErr.Error(), "build.star:")
}

func TestCollectorWithoutErrors(t *testing.T) {
	collector := NewMessageCollector(nil)
	collector.Report(Message{Severity: SeverityWarning, Path: "b", Line: 1, Column: 1, Text: "careful"})

	assert.False(t, collector.HasErrors())
	assert.NoError(t, collector.CompilationError("b"))
	assert.Equal(t, "b", collector.Messages()[0].Path)
}

func TestScriptCompilationErrorListsAllMessages(t *testing.T) {
	err := &ScriptCompilationError{
		ScriptPath: "build.star",
		Messages: []Message{
			{Severity: SeverityError, Path: "build.star", Line: 1, Column: 2, Text: "first"},
			{Severity: SeverityError, Path: "build.star", Line: 4, Column: 1, Text: "second"},
		},
	}

	assert.Equal(t, "Script compilation errors (2):\n  build.star:1:2: first\n  build.star:4:1: second", err.Error())
}
