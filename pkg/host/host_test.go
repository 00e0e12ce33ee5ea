package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngld/knossos/packages/stardsl/pkg/classpath"
	"github.com/ngld/knossos/packages/stardsl/pkg/scope"
)

type recordingRunner struct {
	order    []string
	settings func(*Settings)
	projects map[string]func(*Project)
	applied  []string
}

func (r *recordingRunner) EvaluateSettings(ctx context.Context, settings *Settings) error {
	r.order = append(r.order, "settings")
	if r.settings != nil {
		r.settings(settings)
	}
	return nil
}

func (r *recordingRunner) EvaluateProject(ctx context.Context, project *Project) error {
	r.order = append(r.order, project.Path())
	if cb := r.projects[project.Path()]; cb != nil {
		cb(project)
	}
	return nil
}

func (r *recordingRunner) ApplyScript(ctx context.Context, target Target, scriptPath string) error {
	r.applied = append(r.applied, target.Name()+"="+scriptPath)
	return nil
}

func newTestBuild(t *testing.T, runner ScriptRunner) *Build {
	t.Helper()

	b, err := NewBuild(BuildOptions{
		RootDir:   t.TempDir(),
		RootScope: scope.NewRoot("host", classpath.Empty),
		Resolver:  NewResolver(t.TempDir()),
		Runner:    runner,
	})
	require.NoError(t, err)
	return b
}
