package diag

import (
	"errors"

	"github.com/rs/zerolog"
	"go.starlark.net/resolve"
	"go.starlark.net/syntax"
)

// MessageCollector gathers compiler diagnostics. Fragments are compiled under the path of their script
// with lines and columns preserved, so positions are recorded as reported.
type MessageCollector struct {
	Logger   *zerolog.Logger
	messages []Message
}

func NewMessageCollector(logger *zerolog.Logger) *MessageCollector {
	return &MessageCollector{Logger: logger}
}

// Report records a diagnostic. Warnings and infos are logged right away.
func (c *MessageCollector) Report(msg Message) {
	c.messages = append(c.messages, msg)

	if c.Logger == nil {
		return
	}

	switch msg.Severity {
	case SeverityWarning:
		c.Logger.Warn().Msg(msg.String())
	case SeverityInfo:
		c.Logger.Debug().Msg(msg.String())
	}
}

// ReportError converts err into diagnostics. Errors the compiler did not attach a position to are
// reported against defaultPath.
func (c *MessageCollector) ReportError(err error, defaultPath string) {
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		for _, item := range resolveErrs {
			c.reportAt(item.Pos, item.Msg, defaultPath)
		}
		return
	}

	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		c.reportAt(syntaxErr.Pos, syntaxErr.Msg, defaultPath)
		return
	}

	c.Report(Message{
		Severity: SeverityError,
		Path:     defaultPath,
		Line:     1,
		Column:   1,
		Text:     err.Error(),
	})
}

func (c *MessageCollector) reportAt(pos syntax.Position, text, defaultPath string) {
	path := pos.Filename()
	if path == "" {
		path = defaultPath
	}

	line, col := int(pos.Line), int(pos.Col)
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}

	c.Report(Message{
		Severity: SeverityError,
		Path:     path,
		Line:     line,
		Column:   col,
		Text:     text,
	})
}

// Messages returns every recorded diagnostic in report order.
func (c *MessageCollector) Messages() []Message {
	return c.messages
}

// Errors returns the error-severity diagnostics.
func (c *MessageCollector) Errors() []Message {
	result := make([]Message, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.Severity == SeverityError {
			result = append(result, msg)
		}
	}
	return result
}

func (c *MessageCollector) HasErrors() bool {
	for _, msg := range c.messages {
		if msg.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CompilationError returns a *ScriptCompilationError when errors were reported and nil otherwise.
func (c *MessageCollector) CompilationError(scriptPath string) error {
	errs := c.Errors()
	if len(errs) == 0 {
		return nil
	}

	return &ScriptCompilationError{ScriptPath: scriptPath, Messages: errs}
}
