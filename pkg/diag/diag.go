// Package diag turns compiler diagnostics and block extraction failures into errors that cite the
// original script coordinates.
package diag

import (
	"fmt"
	"strings"
)

// CompilerMessageFor formats a diagnostic the same way for every error source so that tools scraping the
// build output only need to understand one shape.
func CompilerMessageFor(path string, line, column int, message string) string {
	return fmt.Sprintf("%s:%d:%d: %s", path, line, column, message)
}

// UnexpectedBlockMessage is reported when a top-level block appears more than once.
func UnexpectedBlockMessage(identifier string) string {
	return fmt.Sprintf("Unexpected `%s` block found. Only one `%s` block is allowed per script.", identifier, identifier)
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Message is a single compiler diagnostic.
type Message struct {
	Severity Severity
	Path     string
	Line     int
	Column   int
	Text     string
}

func (m Message) String() string {
	return CompilerMessageFor(m.Path, m.Line, m.Column, m.Text)
}

// LocatedError is a failure that points at a specific position in a script.
type LocatedError struct {
	Path    string
	Line    int
	Column  int
	Message string
}

func (e *LocatedError) Error() string {
	return CompilerMessageFor(e.Path, e.Line, e.Column, e.Message)
}

// ScriptCompilationError is returned when the compiler reported at least one error.
type ScriptCompilationError struct {
	ScriptPath string
	Messages   []Message
}

func (e *ScriptCompilationError) Error() string {
	var sb strings.Builder
	if len(e.Messages) == 1 {
		sb.WriteString("Script compilation error:")
	} else {
		sb.WriteString(fmt.Sprintf("Script compilation errors (%d):", len(e.Messages)))
	}

	for _, msg := range e.Messages {
		sb.WriteString("\n  ")
		sb.WriteString(msg.String())
	}
	return sb.String()
}
