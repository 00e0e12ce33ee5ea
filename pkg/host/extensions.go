package host

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// ExtensionNotFoundError is returned when a lookup fails.
type ExtensionNotFoundError struct {
	Name string
	Type string
}

func (e *ExtensionNotFoundError) Error() string {
	if e.Name != "" && e.Type != "" {
		return fmt.Sprintf("extension %s of type %s not found", e.Name, e.Type)
	}
	if e.Name != "" {
		return fmt.Sprintf("extension %s not found", e.Name)
	}
	return fmt.Sprintf("no extension of type %s found", e.Type)
}

// ExtensionSchema describes a registered extension.
type ExtensionSchema struct {
	Name string
	Type string
}

// ExtensionRegistry holds the named extensions plugins contribute to a target.
type ExtensionRegistry struct {
	lock       sync.Mutex
	extensions map[string]starlark.Value
	order      []string
}

func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{extensions: make(map[string]starlark.Value)}
}

// Register adds an extension. Names must be valid Starlark identifiers and unique per target.
func (r *ExtensionRegistry) Register(name string, ext starlark.Value) error {
	if !isIdentifier(name) {
		return eris.Errorf("invalid extension name %q", name)
	}
	if ext == nil {
		return eris.Errorf("extension %s has no value", name)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.extensions[name]; ok {
		return eris.Errorf("extension %s is already registered", name)
	}

	r.extensions[name] = ext
	r.order = append(r.order, name)
	return nil
}

// Value returns the extension name.
func (r *ExtensionRegistry) Value(name string) (starlark.Value, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ext, ok := r.extensions[name]
	if !ok {
		return nil, &ExtensionNotFoundError{Name: name}
	}
	return ext, nil
}

// Names returns the extension names in registration order.
func (r *ExtensionRegistry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]string{}, r.order...)
}

// Schema returns name and type of every extension sorted by name.
func (r *ExtensionRegistry) Schema() []ExtensionSchema {
	r.lock.Lock()
	defer r.lock.Unlock()

	result := make([]ExtensionSchema, 0, len(r.extensions))
	for name, ext := range r.extensions {
		result = append(result, ExtensionSchema{Name: name, Type: ext.Type()})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Lookup returns the extension name as a T.
func Lookup[T starlark.Value](r *ExtensionRegistry, name string) (T, error) {
	var zero T

	ext, err := r.Value(name)
	if err != nil {
		return zero, &ExtensionNotFoundError{Name: name, Type: typeName[T]()}
	}

	typed, ok := ext.(T)
	if !ok {
		return zero, &ExtensionNotFoundError{Name: name, Type: typeName[T]()}
	}
	return typed, nil
}

// LookupByType returns the first registered extension of type T.
func LookupByType[T starlark.Value](r *ExtensionRegistry) (T, error) {
	var zero T

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, name := range r.order {
		if typed, ok := r.extensions[name].(T); ok {
			return typed, nil
		}
	}
	return zero, &ExtensionNotFoundError{Type: typeName[T]()}
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}

	for idx, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case idx > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
