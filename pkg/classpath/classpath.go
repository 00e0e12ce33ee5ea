// Package classpath implements ordered lists of script module locations.
//
// An entry is either a directory or a .kar archive. Modules are looked up with slash separated names
// relative to the entry root, the first entry containing a module wins.
package classpath

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	ArchiveExt = ".kar"
	ModuleExt  = ".star"
	ProgramExt = ".starc"
)

// ErrNotFound is returned when no entry contains the requested module.
var ErrNotFound = eris.New("not found on classpath")

// ClassPath is an immutable, ordered and de-duplicated list of entries.
type ClassPath struct {
	entries []string
}

// Empty is the classpath without entries.
var Empty = ClassPath{}

// Of builds a classpath from the given entries. Entries are made absolute and duplicates are dropped.
func Of(entries ...string) ClassPath {
	return Empty.PlusEntries(entries...)
}

// PlusEntries returns a new classpath with the given entries appended.
func (c ClassPath) PlusEntries(entries ...string) ClassPath {
	if len(entries) == 0 {
		return c
	}

	seen := make(map[string]bool, len(c.entries)+len(entries))
	result := make([]string, 0, len(c.entries)+len(entries))
	for _, entry := range append(append([]string{}, c.entries...), entries...) {
		if entry == "" {
			continue
		}

		abs, err := filepath.Abs(entry)
		if err == nil {
			entry = abs
		}

		if !seen[entry] {
			seen[entry] = true
			result = append(result, entry)
		}
	}

	return ClassPath{entries: result}
}

// Plus returns a new classpath containing c's entries followed by other's.
func (c ClassPath) Plus(other ClassPath) ClassPath {
	return c.PlusEntries(other.entries...)
}

// Entries returns a copy of the entry list.
func (c ClassPath) Entries() []string {
	return append([]string{}, c.entries...)
}

func (c ClassPath) IsEmpty() bool {
	return len(c.entries) == 0
}

func (c ClassPath) Len() int {
	return len(c.entries)
}

func (c ClassPath) String() string {
	return strings.Join(c.entries, string(os.PathListSeparator))
}

// Location identifies where a module was found.
type Location struct {
	Entry string
	Name  string
}

func (l Location) String() string {
	if strings.HasSuffix(l.Entry, ArchiveExt) {
		return l.Entry + "!/" + l.Name
	}
	return filepath.Join(l.Entry, filepath.FromSlash(l.Name))
}

// FindModule returns the content of the module name (i.e. "stardsl/extensions.star").
func (c ClassPath) FindModule(name string) ([]byte, Location, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")

	for _, entry := range c.entries {
		content, found, err := readFromEntry(entry, name)
		if err != nil {
			return nil, Location{}, err
		}

		if found {
			return content, Location{Entry: entry, Name: name}, nil
		}
	}

	return nil, Location{}, eris.Wrapf(ErrNotFound, "module %s", name)
}

// HasModule reports whether any entry contains name.
func (c ClassPath) HasModule(name string) bool {
	_, _, err := c.FindModule(name)
	return err == nil
}

// FindProgram returns the serialized program for the given class name.
func (c ClassPath) FindProgram(className string) ([]byte, Location, error) {
	content, loc, err := c.FindModule(className + ProgramExt)
	if eris.Is(err, ErrNotFound) {
		return nil, Location{}, eris.Wrapf(ErrNotFound, "class %s", className)
	}
	return content, loc, err
}

// ListModules returns the names of all .star modules below prefix across every entry, in classpath order.
func (c ClassPath) ListModules(prefix string) ([]string, error) {
	seen := map[string]bool{}
	result := []string{}

	for _, entry := range c.entries {
		names, err := listEntry(entry)
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ModuleExt) && !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}

	return result, nil
}

func readFromEntry(entry, name string) ([]byte, bool, error) {
	info, err := os.Stat(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, eris.Wrapf(err, "failed to inspect classpath entry %s", entry)
	}

	if info.IsDir() {
		content, err := os.ReadFile(filepath.Join(entry, filepath.FromSlash(name)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, eris.Wrapf(err, "failed to read %s from %s", name, entry)
		}
		return content, true, nil
	}

	if !strings.HasSuffix(entry, ArchiveExt) {
		return nil, false, nil
	}

	archive, err := OpenKar(entry)
	if err != nil {
		return nil, false, err
	}
	defer archive.Close()

	if !archive.Has(name) {
		return nil, false, nil
	}

	content, err := archive.ReadFile(name)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func listEntry(entry string) ([]string, error) {
	info, err := os.Stat(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to inspect classpath entry %s", entry)
	}

	if !info.IsDir() {
		if !strings.HasSuffix(entry, ArchiveExt) {
			return nil, nil
		}

		archive, err := OpenKar(entry)
		if err != nil {
			return nil, err
		}
		defer archive.Close()

		return archive.Names(), nil
	}

	result := []string{}
	err = filepath.WalkDir(entry, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(entry, path)
		if err != nil {
			return err
		}
		result = append(result, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list %s", entry)
	}

	return result, nil
}
