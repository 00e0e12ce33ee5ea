package host

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Path is a filesystem path exposed to scripts. It behaves like a string but keeps its type so builtins
// can tell paths and plain strings apart.
type Path string

var (
	_ starlark.Comparable = Path("")
	_ starlark.Sliceable  = Path("")
)

func (p Path) String() string {
	return starlark.String(p).String()
}

func (p Path) Type() string {
	return "path"
}

func (p Path) Freeze() {}

func (p Path) Truth() starlark.Bool {
	return p != ""
}

func (p Path) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p Path) CompareSameType(op syntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(Path)

	switch op {
	case syntax.EQL:
		return p == y, nil
	case syntax.NEQ:
		return p != y, nil
	case syntax.LT:
		return p < y, nil
	case syntax.LE:
		return p <= y, nil
	case syntax.GT:
		return p > y, nil
	case syntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p Path) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p Path) Len() int {
	return len(p)
}

func (p Path) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}

// NormalizePath resolves pathList relative to base. Paths starting with "//" are relative to root.
func NormalizePath(root, base string, pathList ...string) string {
	result := base

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(root, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

// SimplifyPath turns paths below root into "//" paths.
func SimplifyPath(root, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if root != "" && strings.HasPrefix(absPath, root+string(filepath.Separator)) {
		return "//" + filepath.ToSlash(absPath[len(root)+1:])
	}
	return path
}

// PathArg converts a string or path argument into a Go string.
func PathArg(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case Path:
		return string(value), nil
	default:
		return "", eris.Errorf("invalid type %s for %s, expected string or path", value.Type(), field)
	}
}
