// Package source implements the text helpers used to carve script fragments out of a build script
// without losing the original line numbering.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ScriptSource is the immutable text of a single script evaluation.
type ScriptSource struct {
	// Path is the absolute path of the script file. Diagnostics always cite this path.
	Path string
	// DisplayName is a short, human readable name (i.e. "build file 'build.star'")
	DisplayName string
	// Text is the newline normalized script content.
	Text string
}

// NewScriptSource creates a ScriptSource with normalized line separators.
func NewScriptSource(path, text string) ScriptSource {
	return ScriptSource{
		Path:        path,
		DisplayName: fmt.Sprintf("script '%s'", filepath.Base(path)),
		Text:        NormalizeLineSeparators(text),
	}
}

// ReadScriptSource reads the script at path.
func ReadScriptSource(path string) (ScriptSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ScriptSource{}, eris.Wrapf(err, "failed to resolve %s", path)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return ScriptSource{}, eris.Wrapf(err, "failed to read script %s", absPath)
	}

	return NewScriptSource(absPath, string(data)), nil
}

// FileName returns the base name of the script file.
func (s ScriptSource) FileName() string {
	return filepath.Base(s.Path)
}

// NormalizeLineSeparators converts \r\n and lone \r to \n.
func NormalizeLineSeparators(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
