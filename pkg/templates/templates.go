package templates

import (
	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
)

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func merge(dicts ...starlark.StringDict) starlark.StringDict {
	result := starlark.StringDict{}
	for _, dict := range dicts {
		for name, value := range dict {
			result[name] = value
		}
	}
	return result
}

func builtins(names map[string]builtinFunc) starlark.StringDict {
	result := make(starlark.StringDict, len(names))
	for name, impl := range names {
		result[name] = starlark.NewBuiltin(name, impl)
	}
	return result
}

// blockNames are the names only meaningful inside the buildscript and plugins blocks. They're no-ops in
// script bodies since the blocks have already been executed by then.
var blockNames = []string{"buildscript", "classpath", "id", "local_repository", "maven", "plugins"}

func ignoredBlocks() starlark.StringDict {
	result := starlark.StringDict{}
	for _, name := range blockNames {
		result[name] = starlark.NewBuiltin(name, starIgnored)
	}
	return result
}

var (
	// BuildscriptBlock executes the buildscript block of a script.
	BuildscriptBlock = &Template[host.Target]{
		Name: "BuildscriptBlock",
		Globals: merge(commonGlobals(), builtins(map[string]builtinFunc{
			"buildscript":      starBuildscript,
			"classpath":        starClasspath,
			"local_repository": starLocalRepository,
			"maven":            starMaven,
		})),
	}

	// PluginsBlock executes the plugins block of a script.
	PluginsBlock = &Template[*host.PluginDependenciesSpec]{
		Name: "PluginsBlock",
		Globals: merge(commonGlobals(), builtins(map[string]builtinFunc{
			"plugins": starPlugins,
			"id":      starPluginID,
		})),
	}

	// BuildScript executes the body of a project's build script.
	BuildScript = &Template[host.Target]{
		Name: "BuildScript",
		Globals: merge(commonGlobals(), ignoredBlocks(), builtins(map[string]builtinFunc{
			"project":   starTarget,
			"task":      starTask,
			"apply":     starApply,
			"extension": starExtension,
		})),
		Imports: []string{ExtensionsModule, AccessorsModule},
	}

	// SettingsScript executes the body of the settings script.
	SettingsScript = &Template[host.Target]{
		Name: "SettingsScript",
		Globals: merge(commonGlobals(), ignoredBlocks(), builtins(map[string]builtinFunc{
			"settings":  starTarget,
			"include":   starInclude,
			"apply":     starApply,
			"extension": starExtension,
		})),
		Imports: []string{ExtensionsModule},
	}

	// ScriptPlugin executes scripts applied with apply(script = ...).
	ScriptPlugin = &Template[host.Target]{
		Name: "ScriptPlugin",
		Globals: merge(commonGlobals(), ignoredBlocks(), builtins(map[string]builtinFunc{
			"target":    starTarget,
			"task":      starTask,
			"include":   starInclude,
			"apply":     starApply,
			"extension": starExtension,
		})),
		Imports: []string{ExtensionsModule},
	}

	// ModuleGlobals are predeclared in every module loaded from a classpath.
	ModuleGlobals = merge(commonGlobals(), builtins(map[string]builtinFunc{
		"target":    starTarget,
		"task":      starTask,
		"apply":     starApply,
		"extension": starExtension,
	}))
)
