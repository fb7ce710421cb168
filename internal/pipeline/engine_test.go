package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return NewEngine(log)
}

func TestEngine_RunAllStepsSucceed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	steps := []Step{
		{Name: "clone", Mode: StepModeFunc, Func: func(sc *StepContext) error { return nil }},
		{Name: "build", Mode: StepModeProcess, Process: ProcessSpec{Command: []string{"true"}}},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, nil)
	require.NoError(t, res.Err)
	require.Len(t, res.Steps, 2)
	require.Equal(t, model.StepSuccess, res.Steps[0].State)
	require.Equal(t, model.StepSuccess, res.Steps[1].State)
}

func TestEngine_FatalStepSkipsRestExceptAlwaysRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	steps := []Step{
		{Name: "build", Mode: StepModeProcess, Process: ProcessSpec{Command: []string{"false"}}},
		{Name: "package", Mode: StepModeFunc, Func: func(sc *StepContext) error { return nil }},
		{Name: "cleanup", Mode: StepModeFunc, Func: func(sc *StepContext) error { return nil }, AlwaysRun: true},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, nil)
	require.Error(t, res.Err)
	require.Equal(t, ciserr.StepFailure, ciserr.Of(res.Err))
	require.Equal(t, model.StepFailed, res.Steps[0].State)
	require.Equal(t, model.StepSkipped, res.Steps[1].State)
	require.Equal(t, model.StepSuccess, res.Steps[2].State)
}

func TestEngine_AllowFailureContinues(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	steps := []Step{
		{Name: "lint", Mode: StepModeProcess, Process: ProcessSpec{Command: []string{"false"}}, AllowFailure: true},
		{Name: "build", Mode: StepModeFunc, Func: func(sc *StepContext) error { return nil }},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, nil)
	require.NoError(t, res.Err)
	require.Equal(t, model.StepFailed, res.Steps[0].State)
	require.Equal(t, model.StepSuccess, res.Steps[1].State)
}

func TestEngine_StepTimeoutClassifiesAsStepTimeout(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	steps := []Step{
		{Name: "hang", Mode: StepModeProcess, Process: ProcessSpec{Command: []string{"sleep", "5"}}, Timeout: 50 * time.Millisecond},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, nil)
	require.Error(t, res.Err)
	require.Equal(t, ciserr.StepTimeout, ciserr.Of(res.Err))
}

func TestEngine_CancelBeforeStepSkipsIt(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	cancel := make(chan struct{})
	close(cancel)
	steps := []Step{
		{Name: "build", Mode: StepModeFunc, Func: func(sc *StepContext) error { return nil }},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, cancel)
	require.Error(t, res.Err)
	require.Equal(t, ciserr.Cancelled, ciserr.Of(res.Err))
	require.Equal(t, model.StepSkipped, res.Steps[0].State)
}

func TestEngine_CancelDuringRunningStepPreservesCancelledKind(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	cancel := make(chan struct{})
	steps := []Step{
		{Name: "build", Mode: StepModeProcess, Process: ProcessSpec{Command: []string{"sleep", "5"}}},
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancel)
	}()
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, cancel)
	require.Error(t, res.Err)
	require.Equal(t, ciserr.Cancelled, ciserr.Of(res.Err))
	require.Equal(t, model.StepFailed, res.Steps[0].State)
}

func TestEngine_FuncStepErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	boom := errors.New("boom")
	steps := []Step{
		{Name: "resolve-commit", Mode: StepModeFunc, Func: func(sc *StepContext) error { return boom }},
	}
	res := e.Run(ctx, "job-1", t.TempDir(), steps, noopSink{}, nil)
	require.Error(t, res.Err)
	require.Equal(t, model.StepFailed, res.Steps[0].State)
}

type noopSink struct{}

func (noopSink) Write(ctx context.Context, step, line string) error { return nil }
