// Package blocks finds the special top-level blocks of a build script without parsing the whole script.
package blocks

import (
	"fmt"

	"github.com/ngld/knossos/packages/stardsl/pkg/diag"
	"github.com/ngld/knossos/packages/stardsl/pkg/source"
)

const (
	BuildscriptIdentifier = "buildscript"
	PluginsIdentifier     = "plugins"
)

// UnexpectedBlockError reports a second occurrence of a top-level block. Location is the range of the
// second occurrence.
type UnexpectedBlockError struct {
	Identifier string
	Location   source.Range
}

func (e *UnexpectedBlockError) Error() string {
	return fmt.Sprintf("%s (at %s)", diag.UnexpectedBlockMessage(e.Identifier), e.Location)
}

// Extract returns the range of the top-level block named identifier. The range starts at the keyword and
// ends after the matching closing delimiter. Extract returns nil if the script has no such block.
func Extract(script, identifier string) (*source.Range, error) {
	s := newScanner(script)

	var found *source.Range
	for {
		r, ok := s.nextBlock(identifier)
		if !ok {
			return found, nil
		}

		if found != nil {
			return nil, &UnexpectedBlockError{Identifier: identifier, Location: r}
		}
		found = &r
	}
}

func ExtractBuildscriptBlock(script string) (*source.Range, error) {
	return Extract(script, BuildscriptIdentifier)
}

func ExtractPluginsBlock(script string) (*source.Range, error) {
	return Extract(script, PluginsIdentifier)
}
