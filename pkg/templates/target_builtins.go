package templates

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
)

func threadTarget(thread *starlark.Thread, fn *starlark.Builtin) (host.Target, error) {
	target := host.ThreadTarget(thread)
	if target == nil {
		return nil, eris.Errorf("%s: no target available", fn.Name())
	}
	return target, nil
}

func threadProject(thread *starlark.Thread, fn *starlark.Builtin) (*host.Project, error) {
	target, err := threadTarget(thread, fn)
	if err != nil {
		return nil, err
	}

	project, ok := target.(*host.Project)
	if !ok {
		return nil, eris.Errorf("%s: can only be used in project scripts, not with %s", fn.Name(), target.Type())
	}
	return project, nil
}

func starTarget(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 0)
	if err != nil {
		return nil, err
	}

	return threadTarget(thread, fn)
}

func starApply(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var plugin string
	var script starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "plugin?", &plugin, "script?", &script)
	if err != nil {
		return nil, err
	}

	if (plugin == "") == (script == nil) {
		return nil, eris.Errorf("%s: expected exactly one of plugin or script", fn.Name())
	}

	target, err := threadTarget(thread, fn)
	if err != nil {
		return nil, err
	}

	ctx := host.ThreadContext(thread)
	if plugin != "" {
		return starlark.None, target.Plugins().Apply(ctx, plugin)
	}

	path, err := host.PathArg(script, "script")
	if err != nil {
		return nil, err
	}

	return starlark.None, target.Build().ApplyScript(ctx, target, normalizePath(thread, path))
}

func starExtension(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var configure starlark.Callable

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "configure?", &configure)
	if err != nil {
		return nil, err
	}

	target, err := threadTarget(thread, fn)
	if err != nil {
		return nil, err
	}

	ext, err := target.Extensions().Value(name)
	if err != nil {
		return nil, err
	}

	if configure != nil {
		_, err = starlark.Call(thread, configure, starlark.Tuple{ext}, nil)
		if err != nil {
			return nil, err
		}
	}
	return ext, nil
}

func starInclude(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}

	target, err := threadTarget(thread, fn)
	if err != nil {
		return nil, err
	}

	settings, ok := target.(*host.Settings)
	if !ok {
		return nil, eris.Errorf("%s: can only be used in the settings script", fn.Name())
	}

	paths, err := iterableToStrings(args, "include")
	if err != nil {
		return nil, err
	}

	settings.Include(paths...)
	return starlark.None, nil
}

func starTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, desc, base string
	var hidden bool
	var deps, skipIfExists, inputs, outputs, cmds *starlark.List
	var env *starlark.Dict
	var doFirst, doLast starlark.Callable

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name?", &name, "description?", &desc, "hidden?", &hidden,
		"deps?", &deps, "base?", &base, "skip_if_exists?", &skipIfExists, "inputs?", &inputs, "outputs?", &outputs,
		"env?", &env, "cmds?", &cmds, "do_first?", &doFirst, "do_last?", &doLast)
	if err != nil {
		return nil, err
	}

	project, err := threadProject(thread, fn)
	if err != nil {
		return nil, err
	}

	task, err := project.Tasks().Register(name, host.ThreadScriptPath(thread))
	if err != nil {
		return nil, err
	}

	task.Description = desc
	if hidden {
		task.Hidden = true
	}
	if base != "" {
		task.Base = normalizePath(thread, base)
	}

	if deps != nil {
		names, err := host.TaskNames(starlark.Tuple(iterableToValues(deps)))
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid deps", fn.Name())
		}
		task.DependsOn(names...)
	}

	for _, field := range []struct {
		dest  *[]string
		value *starlark.List
		name  string
	}{
		{&task.SkipIfExists, skipIfExists, "skip_if_exists"},
		{&task.Inputs, inputs, "inputs"},
		{&task.Outputs, outputs, "outputs"},
	} {
		if field.value == nil {
			continue
		}

		*field.dest, err = iterableToStrings(field.value, field.name)
		if err != nil {
			return nil, err
		}
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := starlark.AsString(item[1])
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key)
			}
			task.Env[key] = value
		}
	}

	if cmds != nil && cmds.Len() > 0 {
		shellCmds, err := taskCommands(fn, cmds, task.Base)
		if err != nil {
			return nil, err
		}
		task.DoLast(host.ShellAction(shellCmds))
	}

	if doFirst != nil {
		task.DoFirst(task.CallableAction(doFirst))
	}
	if doLast != nil {
		task.DoLast(task.CallableAction(doLast))
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		logAt(thread, zerolog.WarnLevel, fn.Name()+": found inputs but no outputs")
	}

	return task, nil
}

func taskCommands(fn *starlark.Builtin, cmds *starlark.List, base string) ([]string, error) {
	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	result := make([]string, 0, cmds.Len())

	for idx, item := range iterableToValues(cmds) {
		var parts starlark.Tuple

		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
			continue
		case starlark.Tuple:
			parts = value
		case *starlark.List:
			parts = starlark.Tuple(iterableToValues(value))
		default:
			return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples and lists are valid", fn.Name(), item.Type())
		}

		cmd, err := processCmdParts(parts, parser, base)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}

		strBuffer.Reset()
		err = printer.Print(&strBuffer, cmd)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}

		result = append(result, strBuffer.String())
	}

	return result, nil
}

// * Block builtins

func starBuildscript(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var repositories, dependencies *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "repositories?", &repositories, "dependencies?", &dependencies)
	if err != nil {
		return nil, err
	}

	target, err := receiver[host.Target](thread)
	if err != nil {
		return nil, err
	}
	handler := target.ScriptHandler()

	if repositories != nil {
		for idx, item := range iterableToValues(repositories) {
			repo, ok := item.(host.Repository)
			if !ok {
				return nil, eris.Errorf("%s: repositories[%d] is a %s, expected repository", fn.Name(), idx, item.Type())
			}
			handler.AddRepository(repo)
		}
	}

	if dependencies != nil {
		for idx, item := range iterableToValues(dependencies) {
			dep, ok := item.(host.Dependency)
			if !ok {
				return nil, eris.Errorf("%s: dependencies[%d] is a %s, expected dependency", fn.Name(), idx, item.Type())
			}
			handler.AddDependency(dep)
		}
	}

	return starlark.None, nil
}

func starLocalRepository(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path)
	if err != nil {
		return nil, err
	}

	location, err := host.PathArg(path, "path")
	if err != nil {
		return nil, err
	}

	location = normalizePath(thread, location)
	info, err := os.Stat(location)
	if err != nil || !info.IsDir() {
		logAt(thread, zerolog.WarnLevel, fn.Name()+": "+location+" is not a directory")
	}

	return host.Repository{Kind: host.LocalRepository, Location: location}, nil
}

func starMaven(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &url)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, eris.Errorf("%s: unsupported repository URL %s", fn.Name(), url)
	}
	return host.Repository{Kind: host.RemoteRepository, Location: url}, nil
}

func starClasspath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var notation string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &notation)
	if err != nil {
		return nil, err
	}

	return host.ParseDependency(notation)
}

func starPlugins(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}

	for idx, arg := range args {
		if _, ok := arg.(*host.PluginDependencySpec); !ok {
			return nil, eris.Errorf("%s: argument %d is a %s, expected the result of id()", fn.Name(), idx, arg.Type())
		}
	}
	return starlark.None, nil
}

func starPluginID(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id, version string
	apply := true

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "id", &id, "version?", &version, "apply?", &apply)
	if err != nil {
		return nil, err
	}

	spec, err := receiver[*host.PluginDependenciesSpec](thread)
	if err != nil {
		return nil, err
	}

	dep, err := spec.ID(id, int(thread.CallFrame(1).Pos.Line))
	if err != nil {
		return nil, err
	}

	dep.SetVersion(version)
	dep.SetApply(apply)
	return dep, nil
}

func starIgnored(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}
