package source

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "first line\nsecond(\n  x = 1,\n)\n\nlast"

func TestLineAndColumnFromRange(t *testing.T) {
	line, col, err := LineAndColumnFromRange(sample, Range{Start: 0, End: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, line)
	assert.Equal(t, 1, col)

	start := strings.Index(sample, "x = 1")
	line, col, err = LineAndColumnFromRange(sample, Range{Start: start, End: start + 5})
	require.NoError(t, err)
	assert.Equal(t, 3, line)
	assert.Equal(t, 3, col)

	start = strings.Index(sample, "last")
	line, col, err = LineAndColumnFromRange(sample, Range{Start: start, End: len(sample)})
	require.NoError(t, err)
	assert.Equal(t, 6, line)
	assert.Equal(t, 1, col)
}

func TestLineAndColumnFromRangeOutOfBounds(t *testing.T) {
	_, _, err := LineAndColumnFromRange(sample, Range{Start: 2, End: len(sample) + 1})
	assert.Error(t, err)

	_, _, err = LineAndColumnFromRange(sample, Range{Start: 4, End: 2})
	assert.Error(t, err)
}

func TestLinePreservingSubstring(t *testing.T) {
	start := strings.Index(sample, "second")
	end := strings.Index(sample, ")") + 1
	fragment := LinePreservingSubstring(sample, Range{Start: start, End: end})

	assert.Equal(t, "\nsecond(\n  x = 1,\n)", fragment)
}

func TestLinePreservingSubstringKeepsLineNumbers(t *testing.T) {
	text := "a = 1\n\nb = [\n  2,\n  3,\n]\nc = b\n"
	for start := 0; start < len(text); start++ {
		for end := start; end <= len(text); end++ {
			fragment := LinePreservingSubstring(text, Range{Start: start, End: end})
			offset := len(fragment) - (end - start)
			require.Equal(t, text[start:end], fragment[offset:])

			for idx := start; idx < end; idx++ {
				origLine := strings.Count(text[:idx], "\n")
				fragLine := strings.Count(fragment[:offset+idx-start], "\n")
				require.Equal(t, origLine, fragLine, "range [%d, %d) char %d", start, end, idx)
			}
		}
	}
}

func TestLineNumberedSubstring(t *testing.T) {
	start := strings.Index(sample, "last")
	lines, fragment := LineNumberedSubstring(sample, Range{Start: start, End: len(sample)})

	assert.Equal(t, 5, lines)
	assert.Equal(t, "\n\n\n\n\nlast", fragment)
}

func TestPositionPreservingSubstring(t *testing.T) {
	text := "a = 1\nx = 1; buildscript(\n  y,\n)\n"
	start := strings.Index(text, "buildscript")
	end := strings.Index(text, ")") + 1

	lines, fragment := PositionPreservingSubstring(text, Range{Start: start, End: end})
	assert.Equal(t, 1, lines)
	assert.Equal(t, "\n0;     buildscript(\n  y,\n)", fragment)
}

func TestPositionPreservingSubstringCountsRunes(t *testing.T) {
	text := "s = \"äö\"; plugins()"
	start := strings.Index(text, "plugins")

	_, fragment := PositionPreservingSubstring(text, Range{Start: start, End: len(text)})
	assert.Equal(t, "0;        plugins()", fragment)
	assert.Equal(t, utf8.RuneCountInString(text[:start]), utf8.RuneCountInString(fragment[:strings.Index(fragment, "plugins")]))
}

func TestPositionPreservingSubstringAtLineStart(t *testing.T) {
	text := "a = 1\n\nplugins()"
	start := strings.Index(text, "plugins")

	lines, fragment := PositionPreservingSubstring(text, Range{Start: start, End: len(text)})
	assert.Equal(t, 2, lines)
	assert.Equal(t, "\n\nplugins()", fragment)
}

func TestSplitIncluding(t *testing.T) {
	assert.Equal(t, []string{"a\n", "b\n", "c"}, SplitIncluding("a\nb\nc", '\n'))
	assert.Equal(t, []string{"a\n", "\n"}, SplitIncluding("a\n\n", '\n'))
	assert.Equal(t, []string{}, SplitIncluding("", '\n'))
}

func TestNewScriptSourceNormalizesLineSeparators(t *testing.T) {
	src := NewScriptSource("/tmp/project/build.star", "a\r\nb\rc\n")

	assert.Equal(t, "a\nb\nc\n", src.Text)
	assert.Equal(t, "build.star", src.FileName())
	assert.Equal(t, "script 'build.star'", src.DisplayName)
}
