package host

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

const (
	// HostAPINotation selects the archives of the host API.
	HostAPINotation = "host-api"
	// RuntimeNotation selects the archives of the script runtime.
	RuntimeNotation = "stardsl-runtime"
)

// Distribution is an installation of the build host. Its lib directory contains the host API
// archives, lib/runtime the archives shipped with the script runtime.
type Distribution struct {
	Home string
}

// ClassPathFor returns the archives registered for notation.
func (d Distribution) ClassPathFor(notation string) (classpath.ClassPath, error) {
	switch notation {
	case HostAPINotation:
		return d.archivesIn(filepath.Join(d.Home, "lib"))
	case RuntimeNotation:
		return d.archivesIn(filepath.Join(d.Home, "lib", "runtime"))
	}

	return classpath.Empty, eris.Errorf("unknown classpath notation %q", notation)
}

func (d Distribution) archivesIn(dir string) (classpath.ClassPath, error) {
	if d.Home == "" {
		return classpath.Empty, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return classpath.Empty, nil
		}
		return classpath.Empty, eris.Wrapf(err, "failed to list %s", dir)
	}

	paths := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), classpath.ArchiveExt) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	return classpath.Of(paths...), nil
}
