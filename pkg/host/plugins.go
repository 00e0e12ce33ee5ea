package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// Plugin configures a target.
type Plugin interface {
	Apply(ctx context.Context, target Target) error
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, target Target) error

func (f PluginFunc) Apply(ctx context.Context, target Target) error {
	return f(ctx, target)
}

// PluginDescriptor describes one version of a plugin known to the registry.
type PluginDescriptor struct {
	ID      string
	Version string
	// ClassPath is exported to the target scope of every script that requests the plugin.
	ClassPath classpath.ClassPath
	Plugin    Plugin
}

// PluginNotFoundError is returned if no registered plugin matches a request.
type PluginNotFoundError struct {
	ID      string
	Version string
}

func (e *PluginNotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("Plugin [id: '%s'] was not found.", e.ID)
	}
	return fmt.Sprintf("Plugin [id: '%s', version: '%s'] was not found.", e.ID, e.Version)
}

// PluginRegistry maps plugin ids to their available versions.
type PluginRegistry struct {
	lock    sync.Mutex
	plugins map[string][]*PluginDescriptor
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string][]*PluginDescriptor)}
}

// Register adds a plugin. Versions must be valid semantic versions, core plugins use an empty version.
func (r *PluginRegistry) Register(desc PluginDescriptor) error {
	if desc.ID == "" {
		return eris.New("plugin id must not be empty")
	}
	if desc.Plugin == nil {
		return eris.Errorf("plugin %s has no implementation", desc.ID)
	}
	if desc.Version != "" {
		_, err := semver.StrictNewVersion(desc.Version)
		if err != nil {
			return eris.Wrapf(err, "plugin %s has an invalid version", desc.ID)
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, existing := range r.plugins[desc.ID] {
		if existing.Version == desc.Version {
			return eris.Errorf("plugin %s (%s) is already registered", desc.ID, desc.Version)
		}
	}

	r.plugins[desc.ID] = append(r.plugins[desc.ID], &desc)
	return nil
}

// Resolve returns the newest plugin version matching constraint. An empty constraint matches every version.
func (r *PluginRegistry) Resolve(id, constraint string) (*PluginDescriptor, error) {
	r.lock.Lock()
	candidates := append([]*PluginDescriptor{}, r.plugins[id]...)
	r.lock.Unlock()

	if len(candidates) == 0 {
		return nil, &PluginNotFoundError{ID: id, Version: constraint}
	}

	if constraint == "" {
		return newestPlugin(candidates), nil
	}

	constraints, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid version %q for plugin %s", constraint, id)
	}

	available := make([]string, 0, len(candidates))
	for _, desc := range candidates {
		if desc.Version != "" {
			available = append(available, desc.Version)
		}
	}

	version, err := pickNaiveVersion(available, constraints)
	if err != nil {
		return nil, &PluginNotFoundError{ID: id, Version: constraint}
	}

	for _, desc := range candidates {
		if desc.Version != "" && semver.MustParse(desc.Version).String() == version {
			return desc, nil
		}
	}
	return nil, &PluginNotFoundError{ID: id, Version: constraint}
}

func newestPlugin(candidates []*PluginDescriptor) *PluginDescriptor {
	best := candidates[0]
	for _, desc := range candidates[1:] {
		if best.Version == "" {
			continue
		}
		if desc.Version == "" || semver.MustParse(desc.Version).GreaterThan(semver.MustParse(best.Version)) {
			best = desc
		}
	}
	return best
}

func pickNaiveVersion(available []string, constraints *semver.Constraints) (string, error) {
	parsedVersions := make(semver.Collection, len(available))
	for idx, rawVer := range available {
		ver, err := semver.StrictNewVersion(rawVer)
		if err != nil {
			return "", err
		}

		parsedVersions[idx] = ver
	}

	sort.Sort(parsedVersions)
	for idx := len(parsedVersions) - 1; idx >= 0; idx-- {
		if constraints.Check(parsedVersions[idx]) {
			return parsedVersions[idx].String(), nil
		}
	}

	return "", eris.New("no matching version found")
}

// PluginManager tracks the plugins applied to a target.
type PluginManager struct {
	target   Target
	registry *PluginRegistry

	lock    sync.Mutex
	applied map[string]*PluginDescriptor
	order   []string
}

func NewPluginManager(target Target, registry *PluginRegistry) *PluginManager {
	return &PluginManager{
		target:   target,
		registry: registry,
		applied:  make(map[string]*PluginDescriptor),
	}
}

// Apply resolves and applies the plugin id. Applying a plugin twice is a no-op.
func (m *PluginManager) Apply(ctx context.Context, id string) error {
	desc, err := m.registry.Resolve(id, "")
	if err != nil {
		return err
	}

	return m.ApplyDescriptor(ctx, desc)
}

// ApplyDescriptor applies a resolved plugin.
func (m *PluginManager) ApplyDescriptor(ctx context.Context, desc *PluginDescriptor) error {
	m.lock.Lock()
	if _, ok := m.applied[desc.ID]; ok {
		m.lock.Unlock()
		return nil
	}
	m.applied[desc.ID] = desc
	m.order = append(m.order, desc.ID)
	m.lock.Unlock()

	support.Log(ctx).Debug().Str("plugin", desc.ID).Str("target", m.target.Name()).Msg("Applying plugin")
	err := desc.Plugin.Apply(ctx, m.target)
	if err != nil {
		return eris.Wrapf(err, "failed to apply plugin %s", desc.ID)
	}
	return nil
}

func (m *PluginManager) HasPlugin(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, ok := m.applied[id]
	return ok
}

// AppliedIDs returns the ids of all applied plugins in application order.
func (m *PluginManager) AppliedIDs() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]string{}, m.order...)
}

// PluginRequest is a single entry of a plugins block.
type PluginRequest struct {
	ID      string
	Version string
	Apply   bool
	// Line is the 1-based line of the request in ScriptPath.
	Line       int
	ScriptPath string
}

func (r PluginRequest) String() string {
	if r.Version == "" {
		return fmt.Sprintf("[id: '%s']", r.ID)
	}
	return fmt.Sprintf("[id: '%s', version: '%s']", r.ID, r.Version)
}

// PluginRequests is the ordered result of a plugins block.
type PluginRequests []PluginRequest

func (r PluginRequests) IsEmpty() bool {
	return len(r) == 0
}

// DuplicatePluginRequestError is returned when a plugins block requests the same id twice.
type DuplicatePluginRequestError struct {
	Request   PluginRequest
	FirstLine int
}

func (e *DuplicatePluginRequestError) Error() string {
	return fmt.Sprintf("Plugin with id '%s' was already requested at line %d", e.Request.ID, e.FirstLine)
}

// PluginRequestCollector gathers the requests of every plugins block executed for a script.
type PluginRequestCollector struct {
	scriptPath string

	lock  sync.Mutex
	specs []*PluginDependenciesSpec
}

func NewPluginRequestCollector(scriptPath string) *PluginRequestCollector {
	return &PluginRequestCollector{scriptPath: scriptPath}
}

// CreateSpec returns the object a plugins block starting at lineNumber is executed against.
func (c *PluginRequestCollector) CreateSpec(lineNumber int) *PluginDependenciesSpec {
	spec := &PluginDependenciesSpec{
		collector: c,
		blockLine: lineNumber,
	}

	c.lock.Lock()
	c.specs = append(c.specs, spec)
	c.lock.Unlock()

	return spec
}

// PluginRequests returns the collected requests in declaration order.
func (c *PluginRequestCollector) PluginRequests() PluginRequests {
	c.lock.Lock()
	defer c.lock.Unlock()

	result := PluginRequests{}
	for _, spec := range c.specs {
		for _, dep := range spec.Dependencies() {
			result = append(result, dep.Request())
		}
	}
	return result
}

// PluginDependenciesSpec receives the id() calls of a plugins block.
type PluginDependenciesSpec struct {
	collector *PluginRequestCollector
	blockLine int

	lock sync.Mutex
	deps []*PluginDependencySpec
}

// BlockLine returns the line the plugins block starts at.
func (s *PluginDependenciesSpec) BlockLine() int {
	return s.blockLine
}

// ID adds a request for the plugin id declared at line. Line 0 means the start of the block.
func (s *PluginDependenciesSpec) ID(id string, line int) (*PluginDependencySpec, error) {
	if id == "" {
		return nil, eris.New("plugin id must not be empty")
	}
	if line <= 0 {
		line = s.blockLine
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for _, existing := range s.deps {
		if existing.id == id {
			return nil, &DuplicatePluginRequestError{
				Request:   PluginRequest{ID: id, Line: line, ScriptPath: s.collector.scriptPath},
				FirstLine: existing.line,
			}
		}
	}

	dep := &PluginDependencySpec{id: id, line: line, apply: true, scriptPath: s.collector.scriptPath}
	s.deps = append(s.deps, dep)
	return dep, nil
}

func (s *PluginDependenciesSpec) Dependencies() []*PluginDependencySpec {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]*PluginDependencySpec{}, s.deps...)
}

func (s *PluginDependenciesSpec) String() string {
	return fmt.Sprintf("<plugins block at line %d>", s.blockLine)
}

func (s *PluginDependenciesSpec) Type() string {
	return "plugin_dependencies"
}

func (s *PluginDependenciesSpec) Freeze() {}

func (s *PluginDependenciesSpec) Truth() starlark.Bool {
	return starlark.True
}

func (s *PluginDependenciesSpec) Hash() (uint32, error) {
	return 0, eris.New("plugin_dependencies is not a hashable type")
}

// PluginDependencySpec is a single plugin request that can still be refined with version() and apply().
type PluginDependencySpec struct {
	id         string
	line       int
	scriptPath string

	lock    sync.Mutex
	version string
	apply   bool
}

var _ starlark.HasAttrs = (*PluginDependencySpec)(nil)

func (d *PluginDependencySpec) SetVersion(version string) {
	d.lock.Lock()
	d.version = version
	d.lock.Unlock()
}

func (d *PluginDependencySpec) SetApply(apply bool) {
	d.lock.Lock()
	d.apply = apply
	d.lock.Unlock()
}

func (d *PluginDependencySpec) Request() PluginRequest {
	d.lock.Lock()
	defer d.lock.Unlock()

	return PluginRequest{
		ID:         d.id,
		Version:    d.version,
		Apply:      d.apply,
		Line:       d.line,
		ScriptPath: d.scriptPath,
	}
}

func (d *PluginDependencySpec) String() string {
	return d.Request().String()
}

func (d *PluginDependencySpec) Type() string {
	return "plugin_request"
}

func (d *PluginDependencySpec) Freeze() {}

func (d *PluginDependencySpec) Truth() starlark.Bool {
	return starlark.True
}

func (d *PluginDependencySpec) Hash() (uint32, error) {
	return starlark.String(d.id).Hash()
}

func (d *PluginDependencySpec) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(d.id), nil
	case "version":
		return starlark.NewBuiltin("version", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var version string
			err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &version)
			if err != nil {
				return nil, err
			}

			d.SetVersion(version)
			return d, nil
		}), nil
	case "apply":
		return starlark.NewBuiltin("apply", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var apply bool
			err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &apply)
			if err != nil {
				return nil, err
			}

			d.SetApply(apply)
			return d, nil
		}), nil
	}

	return nil, nil
}

func (d *PluginDependencySpec) AttrNames() []string {
	return []string{"apply", "id", "version"}
}

// PluginRequestApplicator applies the requests of a plugins block to a target.
type PluginRequestApplicator interface {
	ApplyPlugins(ctx context.Context, requests PluginRequests, handler *ScriptHandler, plugins *PluginManager, targetScope *scope.Scope) error
}

// DefaultPluginRequestApplicator resolves requests through a PluginRegistry.
type DefaultPluginRequestApplicator struct {
	Registry *PluginRegistry
}

var _ PluginRequestApplicator = (*DefaultPluginRequestApplicator)(nil)

// ApplyPlugins exports the script classpath and the classpath of every requested plugin to targetScope,
// locks it and then applies the plugins marked for application.
func (a *DefaultPluginRequestApplicator) ApplyPlugins(ctx context.Context, requests PluginRequests, handler *ScriptHandler, plugins *PluginManager, targetScope *scope.Scope) error {
	resolved := make([]*PluginDescriptor, len(requests))
	for idx, req := range requests {
		desc, err := a.Registry.Resolve(req.ID, req.Version)
		if err != nil {
			return eris.Wrapf(err, "%s:%d: failed to resolve plugin %s", req.ScriptPath, req.Line, req)
		}
		resolved[idx] = desc
	}

	scriptClassPath, err := handler.ScriptClassPath(ctx)
	if err != nil {
		return err
	}

	exported := scriptClassPath
	for _, desc := range resolved {
		exported = exported.Plus(desc.ClassPath)
	}

	if !exported.IsEmpty() {
		err = targetScope.Export(exported)
		if err != nil {
			return err
		}
	}
	targetScope.Lock()

	for idx, req := range requests {
		if !req.Apply {
			continue
		}

		err = plugins.ApplyDescriptor(ctx, resolved[idx])
		if err != nil {
			return err
		}
	}

	return nil
}
