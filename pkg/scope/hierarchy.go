package scope

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// PathFormatter rewrites paths before they're written to diagnostic output.
type PathFormatter func(path string) string

type loaderInfo struct {
	Name      string   `json:"name"`
	ClassPath []string `json:"classPath"`
}

type scopeInfo struct {
	Name     string      `json:"name"`
	Locked   bool        `json:"locked"`
	Local    []string    `json:"local"`
	Export   []string    `json:"export"`
	Children []scopeInfo `json:"children,omitempty"`
}

type hierarchyInfo struct {
	LoadedClass  string       `json:"loadedClass"`
	ClassLoaders []loaderInfo `json:"classLoaders"`
	Scope        scopeInfo    `json:"scope"`
	ScopePath    string       `json:"scopePath"`
}

// HierarchyJSON describes the loader chain className was loaded from and the whole scope tree s is part of.
func HierarchyJSON(className string, loader *Loader, s *Scope, format PathFormatter) ([]byte, error) {
	if format == nil {
		format = func(path string) string { return path }
	}

	info := hierarchyInfo{
		LoadedClass:  className,
		ClassLoaders: []loaderInfo{},
		ScopePath:    s.Path(),
	}

	for current := loader; current != nil; current = current.parent {
		info.ClassLoaders = append(info.ClassLoaders, loaderInfo{
			Name:      current.name,
			ClassPath: formatAll(current.classPath.Entries(), format),
		})
	}

	root := s
	for root.parent != nil {
		root = root.parent
	}
	info.Scope = describeScope(root, format)

	result, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode scope hierarchy")
	}
	return result, nil
}

func describeScope(s *Scope, format PathFormatter) scopeInfo {
	info := scopeInfo{
		Name:   s.Name(),
		Locked: s.Locked(),
		Local:  formatAll(s.LocalClassPath().Entries(), format),
		Export: formatAll(s.ExportClassPath().Entries(), format),
	}

	for _, child := range s.Children() {
		info.Children = append(info.Children, describeScope(child, format))
	}
	return info
}

func formatAll(paths []string, format PathFormatter) []string {
	result := make([]string, len(paths))
	for idx, path := range paths {
		result[idx] = format(path)
	}
	return result
}
