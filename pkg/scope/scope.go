// Package scope implements the tree of lockable module scopes scripts are loaded into.
//
// Every scope owns a local classpath, visible to code loaded into the scope itself, and an export
// classpath, visible to the scope and all of its descendants. Once a scope is locked, its classpaths
// can't change anymore.
package scope

import (
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

var (
	// ErrScopeLocked is returned when a locked scope is modified.
	ErrScopeLocked = eris.New("scope is locked")
	// ErrScopeNotLocked is returned when the local loader of an unlocked scope is requested.
	ErrScopeNotLocked = eris.New("scope is not locked")
)

// Scope is a node in the scope tree.
type Scope struct {
	name   string
	parent *Scope

	lock     sync.Mutex
	locked   bool
	local    classpath.ClassPath
	export   classpath.ClassPath
	children []*Scope

	localLoader  *Loader
	exportLoader *Loader
}

// NewRoot creates a root scope exporting cp. The root scope is locked.
func NewRoot(name string, cp classpath.ClassPath) *Scope {
	return &Scope{
		name:   name,
		export: cp,
		locked: true,
	}
}

func (s *Scope) Name() string {
	return s.name
}

func (s *Scope) Parent() *Scope {
	return s.parent
}

// Path returns the names of all scopes from the root to s joined by ":".
func (s *Scope) Path() string {
	parts := []string{}
	for current := s; current != nil; current = current.parent {
		parts = append(parts, current.name)
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ":")
}

// CreateChild creates a new unlocked child scope.
func (s *Scope) CreateChild(name string) *Scope {
	child := &Scope{
		name:   name,
		parent: s,
	}

	s.lock.Lock()
	s.children = append(s.children, child)
	s.lock.Unlock()

	return child
}

// Children returns a snapshot of the child scopes.
func (s *Scope) Children() []*Scope {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]*Scope{}, s.children...)
}

// Local adds cp to the classpath only visible to this scope.
func (s *Scope) Local(cp classpath.ClassPath) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.locked {
		return eris.Wrapf(ErrScopeLocked, "can't add local classpath to %s", s.Path())
	}

	s.local = s.local.Plus(cp)
	return nil
}

// Export adds cp to the classpath visible to this scope and its descendants.
func (s *Scope) Export(cp classpath.ClassPath) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.locked {
		return eris.Wrapf(ErrScopeLocked, "can't export classpath from %s", s.Path())
	}

	s.export = s.export.Plus(cp)
	return nil
}

// Lock freezes the scope's classpaths. Locking is idempotent.
func (s *Scope) Lock() *Scope {
	s.lock.Lock()
	s.locked = true
	s.lock.Unlock()

	return s
}

func (s *Scope) Locked() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.locked
}

func (s *Scope) LocalClassPath() classpath.ClassPath {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.local
}

func (s *Scope) ExportClassPath() classpath.ClassPath {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.export
}

// ExportClassPathFromHierarchy returns the exported classpaths of s and all of its ancestors, root first.
func (s *Scope) ExportClassPathFromHierarchy() classpath.ClassPath {
	if s.parent == nil {
		return s.ExportClassPath()
	}

	return s.parent.ExportClassPathFromHierarchy().Plus(s.ExportClassPath())
}

// ExportLoader returns the loader for the scope's exported classpath. Its parent is the parent scope's
// export loader.
func (s *Scope) ExportLoader() *Loader {
	var parent *Loader
	if s.parent != nil {
		parent = s.parent.ExportLoader()
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.exportLoader == nil || s.exportLoader.parent != parent || s.exportLoader.classPath.String() != s.export.String() {
		s.exportLoader = NewLoader(s.Path()+"(export)", s.export, parent)
	}
	return s.exportLoader
}

// LocalLoader returns the loader for code loaded into this scope. The scope must be locked.
func (s *Scope) LocalLoader() (*Loader, error) {
	if !s.Locked() {
		return nil, eris.Wrapf(ErrScopeNotLocked, "can't create local loader for %s", s.Path())
	}

	exportLoader := s.ExportLoader()

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.localLoader == nil {
		s.localLoader = NewLoader(s.Path()+"(local)", s.local, exportLoader)
	}
	return s.localLoader, nil
}
