package host

import (
	"context"

	"go.starlark.net/starlark"

	"github.com/ngld/knossos/packages/stardsl/pkg/support"
)

const (
	ctxLocal    = "stardsl.ctx"
	targetLocal = "stardsl.target"
	scriptLocal = "stardsl.script"
)

// NewThread creates a thread that carries ctx, the target and the path of the executing script.
// Output of print() is logged.
func NewThread(ctx context.Context, name string, target Target, scriptPath string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(thread *starlark.Thread, msg string) {
			support.Log(ThreadContext(thread)).Info().Msg(msg)
		},
	}
	thread.SetLocal(ctxLocal, ctx)
	thread.SetLocal(targetLocal, target)
	thread.SetLocal(scriptLocal, scriptPath)

	return thread
}

// ThreadContext returns the context stored in thread or context.Background().
func ThreadContext(thread *starlark.Thread) context.Context {
	ctx, ok := thread.Local(ctxLocal).(context.Context)
	if !ok {
		return context.Background()
	}
	return ctx
}

// ThreadTarget returns the target stored in thread or nil.
func ThreadTarget(thread *starlark.Thread) Target {
	target, _ := thread.Local(targetLocal).(Target)
	return target
}

// ThreadScriptPath returns the path of the script thread executes.
func ThreadScriptPath(thread *starlark.Thread) string {
	path, _ := thread.Local(scriptLocal).(string)
	return path
}
