package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// debugEnv enables field dumps and eris stack traces in console output.
const debugEnv = "STARDSL_DEBUG"

var levelColors = map[string]string{
	"trace": "[dark_gray]",
	"debug": "[blue]",
	"info":  "[green]",
	"warn":  "[yellow]",
	"error": "[red]",
	"fatal": "[bold][red]",
	"panic": "[bold][red]",
}

// prefixFields are printed in front of the message, in this order.
var prefixFields = []string{"project", "script", "task"}

// ConsoleWriter renders zerolog events as single colored lines.
type ConsoleWriter struct {
	Output io.Writer
	// NoColor strips color tags instead of rendering them.
	NoColor bool
	// Debug appends every event field to the message.
	Debug bool

	lock sync.Mutex
}

func NewConsoleWriter() *ConsoleWriter {
	_, noColor := os.LookupEnv("NO_COLOR")
	return &ConsoleWriter{
		Output:  os.Stderr,
		NoColor: noColor,
		Debug:   os.Getenv(debugEnv) != "",
	}
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return 0, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	colorize := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: w.NoColor,
		Reset:   true,
	}
	_, err := io.WriteString(w.Output, colorize.Color(w.format(evt)))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *ConsoleWriter) format(evt map[string]interface{}) string {
	level, _ := evt[zerolog.LevelFieldName].(string)
	color, ok := levelColors[level]
	if !ok {
		color = levelColors["info"]
	}

	var line strings.Builder
	line.WriteString(color)
	for _, field := range prefixFields {
		if value, ok := evt[field].(string); ok && value != "" {
			line.WriteString(value + ": ")
		}
	}

	if level == "error" || level == "fatal" {
		line.WriteString("Error: ")
	}
	line.WriteString(relativeMessage(evt))

	if details, ok := evt[zerolog.ErrorFieldName].(string); ok {
		line.WriteString("\n" + details)
	}

	if w.Debug {
		line.WriteString(dumpFields(evt))
	}

	line.WriteString("\n")
	return line.String()
}

// relativeMessage shortens the event's path field to a path relative to the working directory wherever
// it appears in the message.
func relativeMessage(evt map[string]interface{}) string {
	msg, _ := evt[zerolog.MessageFieldName].(string)
	path, ok := evt["path"].(string)
	if !ok || path == "" {
		return msg
	}

	relPath, err := filepath.Rel(".", path)
	if err != nil {
		return msg
	}
	return strings.ReplaceAll(msg, path, relPath)
}

func dumpFields(evt map[string]interface{}) string {
	names := make([]string, 0, len(evt))
	for name := range evt {
		switch name {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.ErrorFieldName:
		default:
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var dump strings.Builder
	for _, name := range names {
		fmt.Fprintf(&dump, "\n  %s: %+v", name, evt[name])
	}
	return dump.String()
}

func init() {
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, os.Getenv(debugEnv) != "")
	}
}
