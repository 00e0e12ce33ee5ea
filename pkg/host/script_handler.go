package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
)

type RepositoryKind string

const (
	LocalRepository  RepositoryKind = "local"
	RemoteRepository RepositoryKind = "remote"
)

// Repository is a location dependencies are resolved from.
type Repository struct {
	Kind RepositoryKind
	// Location is a directory for local repositories and a base URL for remote ones.
	Location string
}

var _ starlark.Value = Repository{}

func (r Repository) String() string {
	return fmt.Sprintf("<repository %s %s>", r.Kind, r.Location)
}

func (r Repository) Type() string {
	return "repository"
}

func (r Repository) Freeze() {}

func (r Repository) Truth() starlark.Bool {
	return starlark.True
}

func (r Repository) Hash() (uint32, error) {
	return starlark.String(string(r.Kind) + ":" + r.Location).Hash()
}

// Dependency is a "group:name:version" module coordinate.
type Dependency struct {
	Group   string
	Name    string
	Version string
}

var _ starlark.Value = Dependency{}

// ParseDependency parses the "group:name:version" notation.
func ParseDependency(notation string) (Dependency, error) {
	parts := strings.Split(notation, ":")
	if len(parts) != 3 {
		return Dependency{}, eris.Errorf("invalid dependency notation %q, expected group:name:version", notation)
	}

	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, `/\`) || part == ".." {
			return Dependency{}, eris.Errorf("invalid dependency notation %q", notation)
		}
	}

	return Dependency{Group: parts[0], Name: parts[1], Version: parts[2]}, nil
}

func (d Dependency) Notation() string {
	return d.Group + ":" + d.Name + ":" + d.Version
}

func (d Dependency) String() string {
	return starlark.String(d.Notation()).String()
}

func (d Dependency) Type() string {
	return "dependency"
}

func (d Dependency) Freeze() {}

func (d Dependency) Truth() starlark.Bool {
	return starlark.True
}

func (d Dependency) Hash() (uint32, error) {
	return starlark.String(d.Notation()).Hash()
}

// ScriptHandler collects the repositories and classpath dependencies declared by a buildscript block.
type ScriptHandler struct {
	resolver *Resolver

	lock         sync.Mutex
	repositories []Repository
	dependencies []Dependency
	resolved     *classpath.ClassPath
}

func NewScriptHandler(resolver *Resolver) *ScriptHandler {
	return &ScriptHandler{resolver: resolver}
}

func (h *ScriptHandler) AddRepository(repo Repository) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, existing := range h.repositories {
		if existing == repo {
			return
		}
	}
	h.repositories = append(h.repositories, repo)
	h.resolved = nil
}

func (h *ScriptHandler) AddDependency(dep Dependency) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, existing := range h.dependencies {
		if existing == dep {
			return
		}
	}
	h.dependencies = append(h.dependencies, dep)
	h.resolved = nil
}

func (h *ScriptHandler) Repositories() []Repository {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]Repository{}, h.repositories...)
}

func (h *ScriptHandler) Dependencies() []Dependency {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]Dependency{}, h.dependencies...)
}

// ScriptClassPath resolves the declared dependencies. The result is memoized until the declarations change.
func (h *ScriptHandler) ScriptClassPath(ctx context.Context) (classpath.ClassPath, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.resolved != nil {
		return *h.resolved, nil
	}

	if len(h.dependencies) == 0 {
		h.resolved = &classpath.Empty
		return classpath.Empty, nil
	}

	if h.resolver == nil {
		return classpath.Empty, eris.New("no dependency resolver configured")
	}

	cp, err := h.resolver.Resolve(ctx, h.repositories, h.dependencies)
	if err != nil {
		return classpath.Empty, err
	}

	h.resolved = &cp
	return cp, nil
}
