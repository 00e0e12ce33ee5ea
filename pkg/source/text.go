package source

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Range is a half-open [Start, End) interval of byte offsets.
type Range struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int {
	return r.End - r.Start
}

// Valid reports whether r lies within text.
func (r Range) Valid(text string) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= len(text)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// LineAndColumnFromRange computes the 1-based line and column of the start of r.
func LineAndColumnFromRange(text string, r Range) (int, int, error) {
	if !r.Valid(text) {
		return 0, 0, eris.Errorf("range %s is outside of the text (length %d)", r, len(text))
	}

	prefix := text[:r.Start]
	line := strings.Count(prefix, "\n") + 1
	lastNewLine := strings.LastIndexByte(prefix, '\n')
	return line, r.Start - lastNewLine, nil
}

// LinePreservingSubstring returns text[r] prefixed with as many newlines as there are lines before r.Start.
// Line numbers reported against the result match the line numbers in text.
func LinePreservingSubstring(text string, r Range) string {
	_, fragment := LineNumberedSubstring(text, r)
	return fragment
}

// LineNumberedSubstring works like LinePreservingSubstring but also returns the number of lines preceding
// the fragment.
func LineNumberedSubstring(text string, r Range) (int, string) {
	lineCount := strings.Count(text[:r.Start], "\n")
	return lineCount, strings.Repeat("\n", lineCount) + text[r.Start:r.End]
}

// PositionPreservingSubstring works like LineNumberedSubstring but also keeps the columns of the first line
// intact: the text preceding r.Start on its line is replaced with a no-op statement of the same width. This
// only applies when that text is a statement list ending in ";" (a block written after "x = 1;"). Other
// prefixes are dropped as in LineNumberedSubstring.
func PositionPreservingSubstring(text string, r Range) (int, string) {
	lineCount, fragment := LineNumberedSubstring(text, r)

	lineStart := strings.LastIndexByte(text[:r.Start], '\n') + 1
	prefix := text[lineStart:r.Start]
	width := utf8.RuneCountInString(prefix)
	if width < len(noopPrefix) || !strings.HasSuffix(strings.TrimRight(prefix, " \t"), ";") {
		return lineCount, fragment
	}

	padding := noopPrefix + strings.Repeat(" ", width-len(noopPrefix))
	return lineCount, strings.Repeat("\n", lineCount) + padding + text[r.Start:r.End]
}

// noopPrefix is a complete statement followed by a separator.
const noopPrefix = "0;"

// SplitIncluding splits text after each occurrence of delimiter. The delimiter stays attached to the
// preceding part.
func SplitIncluding(text string, delimiter byte) []string {
	result := []string{}
	start := 0
	for {
		idx := strings.IndexByte(text[start:], delimiter)
		if idx == -1 {
			break
		}

		end := start + idx + 1
		result = append(result, text[start:end])
		start = end
	}

	if start < len(text) {
		result = append(result, text[start:])
	}
	return result
}
