package blocks

import (
	"strings"

	"github.com/ngld/knossos/packages/stardsl/pkg/source"
)

// statements that open an indented suite; a call following them on the same line isn't top-level
var compoundKeywords = map[string]bool{
	"def":   true,
	"if":    true,
	"elif":  true,
	"else":  true,
	"for":   true,
	"while": true,
}

type scanner struct {
	text  string
	pos   int
	depth int

	// only newlines seen since the last logical line break
	lineStart bool
	// the next token starts a top-level statement
	stmtStart bool
	// the current logical line is an unindented simple statement
	simpleLine bool

	// last identifier consumed by step()
	word         string
	wordStart    int
	wordTopLevel bool
}

func newScanner(text string) *scanner {
	return &scanner{
		text:       text,
		lineStart:  true,
		stmtStart:  true,
		simpleLine: true,
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// nextBlock advances to the next top-level occurrence of identifier and returns its range.
func (s *scanner) nextBlock(identifier string) (source.Range, bool) {
	for s.pos < len(s.text) {
		s.step()
		if !s.wordTopLevel || s.word != identifier {
			continue
		}

		if s.wordStart > 0 {
			prev := s.text[s.wordStart-1]
			if isIdentChar(prev) || prev == '.' {
				continue
			}
		}

		opener := s.pos
		for opener < len(s.text) && (s.text[opener] == ' ' || s.text[opener] == '\t') {
			opener++
		}
		if opener >= len(s.text) || (s.text[opener] != '(' && s.text[opener] != '{') {
			continue
		}

		start := s.wordStart
		s.pos = opener
		return source.Range{Start: start, End: s.skipGroup()}, true
	}

	return source.Range{}, false
}

// skipGroup consumes the bracket at s.pos including everything up to its matching closing bracket.
// An unterminated group extends to the end of the text.
func (s *scanner) skipGroup() int {
	base := s.depth
	s.step()
	for s.pos < len(s.text) && s.depth > base {
		s.step()
	}

	s.stmtStart = false
	return s.pos
}

// step consumes a single lexical unit.
func (s *scanner) step() {
	s.word = ""
	s.wordTopLevel = false

	c := s.text[s.pos]
	switch {
	case c == '\n':
		s.pos++
		if s.depth == 0 {
			s.lineStart = true
			s.stmtStart = true
			s.simpleLine = true
		}
		return
	case c == ' ' || c == '\t' || c == '\f' || c == '\r':
		s.pos++
		if s.lineStart {
			// indented line
			s.stmtStart = false
			s.simpleLine = false
		}
		return
	case c == '#':
		end := strings.IndexByte(s.text[s.pos:], '\n')
		if end == -1 {
			s.pos = len(s.text)
		} else {
			s.pos += end
		}
		return
	case c == '\\':
		// line continuation or stray escape
		s.pos += 2
		if s.pos > len(s.text) {
			s.pos = len(s.text)
		}
	case c == '"' || c == '\'':
		s.skipString(c)
	case c == '(' || c == '[' || c == '{':
		s.depth++
		s.pos++
	case c == ')' || c == ']' || c == '}':
		if s.depth > 0 {
			s.depth--
		}
		s.pos++
	case c == ';':
		s.pos++
		if s.depth == 0 {
			s.lineStart = false
			s.stmtStart = s.simpleLine
			return
		}
	case isIdentStart(c):
		start := s.pos
		for s.pos < len(s.text) && isIdentChar(s.text[s.pos]) {
			s.pos++
		}

		s.word = s.text[start:s.pos]
		s.wordStart = start
		s.wordTopLevel = s.stmtStart && s.depth == 0
		if s.lineStart && s.depth == 0 && compoundKeywords[s.word] {
			s.simpleLine = false
		}
	default:
		s.pos++
	}

	s.lineStart = false
	s.stmtStart = false
}

func (s *scanner) skipString(quote byte) {
	triple := strings.HasPrefix(s.text[s.pos:], string([]byte{quote, quote, quote}))
	if triple {
		s.pos += 3
	} else {
		s.pos++
	}

	for s.pos < len(s.text) {
		c := s.text[s.pos]
		switch {
		case c == '\\':
			s.pos += 2
		case c == quote && triple:
			if strings.HasPrefix(s.text[s.pos:], string([]byte{quote, quote, quote})) {
				s.pos += 3
				return
			}
			s.pos++
		case c == quote:
			s.pos++
			return
		case c == '\n' && !triple:
			// unterminated string, leave the newline to the caller
			return
		default:
			s.pos++
		}
	}

	if s.pos > len(s.text) {
		s.pos = len(s.text)
	}
}
