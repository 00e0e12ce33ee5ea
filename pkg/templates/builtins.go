package templates

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/knossos/packages/stardsl/pkg/host"
	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

// * Helpers

func rootDir(thread *starlark.Thread) string {
	target := host.ThreadTarget(thread)
	if target == nil {
		return ""
	}
	return target.RootDir()
}

func scriptDir(thread *starlark.Thread) string {
	path := host.ThreadScriptPath(thread)
	if path == "" {
		if target := host.ThreadTarget(thread); target != nil {
			return target.ProjectDir()
		}
		return "."
	}
	return filepath.Dir(path)
}

func normalizePath(thread *starlark.Thread, pathList ...string) string {
	return host.NormalizePath(rootDir(thread), scriptDir(thread), pathList...)
}

func logAt(thread *starlark.Thread, level zerolog.Level, msg string) {
	pos := thread.CallFrame(1).Pos
	path := host.SimplifyPath(rootDir(thread), host.ThreadScriptPath(thread))

	support.Log(host.ThreadContext(thread)).WithLevel(level).
		Msgf("%s:%d:%d: %s", path, pos.Line, pos.Col, msg)
}

// * Builtin functions

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logAt(thread, zerolog.InfoLevel, message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	logAt(thread, zerolog.WarnLevel, message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var defaultValue starlark.Value = starlark.String("")

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &defaultValue)
	if err != nil {
		return nil, err
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	return starlark.String(value), nil
}

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if key != "base" {
			return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), key)
		}

		value, err := host.PathArg(kv[1], "base")
		if err != nil {
			return nil, err
		}
		base = normalizePath(thread, value)
	}

	if len(args) < 1 {
		return nil, eris.Errorf("%s: expects at least one argument", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		value, err := host.PathArg(arg, fmt.Sprintf("argument %d", idx))
		if err != nil {
			return nil, err
		}
		parts[idx] = value
	}

	normPath := normalizePath(thread, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return host.Path(normPath), nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile starlark.Value
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &yamlFile, "key?", &yamlKey, "default?", &defaultValue)
	if err != nil {
		return nil, err
	}

	path, err := host.PathArg(yamlFile, "file")
	if err != nil {
		return nil, err
	}
	path = normalizePath(thread, path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open file %s", path)
	}

	var doc interface{}
	err = yaml.Unmarshal(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse file %s", path)
	}

	value := reflect.ValueOf(doc)
	if yamlKey != "" {
		for _, key := range strings.Split(yamlKey, ".") {
			for value.Kind() == reflect.Interface {
				value = value.Elem()
			}

			switch value.Kind() {
			case reflect.Map:
				value = value.MapIndex(reflect.ValueOf(key))
			case reflect.Slice:
				idx, err := strconv.Atoi(key)
				if err != nil || idx < 0 || idx >= value.Len() {
					return defaultValue, nil
				}
				value = value.Index(idx)
			case reflect.Invalid:
				return defaultValue, nil
			default:
				return nil, eris.Errorf("encountered unexpected value of kind %v in YAML document", value.Kind())
			}
		}
	}

	if !value.IsValid() || ((value.Kind() == reflect.Interface || value.Kind() == reflect.Map || value.Kind() == reflect.Slice) && value.IsNil()) {
		return defaultValue, nil
	}
	return toStarlark(value.Interface())
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(normalizePath(thread, dirPath))
	return starlark.Bool(err == nil && info.IsDir()), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(normalizePath(thread, filePath))
	return starlark.Bool(err == nil && info.Mode().IsRegular()), nil
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()
	base := scriptDir(thread)

	switch command := command.(type) {
	case starlark.String:
		file, err := parser.Parse(strings.NewReader(command.GoString()), fn.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command %s", command.GoString())
		}

		for _, stmt := range file.Stmts {
			shellCmd = append(shellCmd, stmt)
		}
	case starlark.Tuple:
		expr, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	var errOut io.Writer
	if showError {
		errOut = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, &outputBuffer, errOut),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	ctx := host.ThreadContext(thread)
	for _, cmd := range shellCmd {
		err := runner.Run(ctx, cmd)
		if err != nil {
			if showError {
				support.Log(ctx).Error().Err(err).Msg("shell error")
			}
			return starlark.False, nil
		}
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(outputBuffer.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return toStarlark(decoded)
	}

	return starlark.String(outputBuffer.String()), nil
}

// commonGlobals are available to every script and module.
func commonGlobals() starlark.StringDict {
	return starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"json":         starjson.Module,
		"struct":       starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}
