package pipeline

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/raibid-labs/ci-core/internal/ciserr"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/model"
)

const (
	defaultStepTimeout = 30 * time.Minute
	defaultKillGrace   = 10 * time.Second
	tailLines          = 200
)

// StepContext is handed to a StepModeFunc step body.
type StepContext struct {
	Ctx       context.Context
	Workspace string
	JobID     string
	Step      string
	Sink      LogSink
}

// Engine runs a fixed step graph to completion or first fatal failure,
// honouring an external cancellation signal at step boundaries and via
// process-group termination mid-step (spec §4.5). Grounded on
// internal/jobs/orchestrator/engine.go's Run loop structure
// (stage-by-stage, short-circuit on fatal error, final result
// assembly), generalized from DB-state-machine stages to step-graph
// steps that write straight into the in-memory Result.
type Engine struct {
	Log        *logger.Logger
	KillGrace  time.Duration
}

func NewEngine(log *logger.Logger) *Engine {
	return &Engine{Log: log, KillGrace: defaultKillGrace}
}

// Run executes steps in order against workspace, writing lines to sink
// and honouring cancel. A fatal step failure stops remaining steps
// except AlwaysRun ones (Cleanup), which always execute.
func (e *Engine) Run(ctx context.Context, jobID, workspace string, steps []Step, sink LogSink, cancel <-chan struct{}) Result {
	var res Result
	fatalErr := error(nil)

	for _, step := range steps {
		if fatalErr != nil && !step.AlwaysRun {
			res.Steps = append(res.Steps, model.StepResult{Name: step.Name, State: model.StepSkipped})
			continue
		}
		stepCancelCh := cancel
		if step.AlwaysRun {
			stepCancelCh = nil
		} else {
			select {
			case <-cancel:
				res.Steps = append(res.Steps, model.StepResult{Name: step.Name, State: model.StepSkipped})
				if res.Err == nil {
					res.Err = ciserr.New(ciserr.Cancelled, "cancelled before step "+step.Name, nil)
				}
				continue
			default:
			}
		}

		sr, stepErr := e.runStep(ctx, jobID, workspace, step, sink, stepCancelCh)
		res.Steps = append(res.Steps, sr)
		if stepErr != nil && !step.AllowFailure {
			fatalErr = stepErr
			if res.Err == nil {
				res.Err = stepErr
			}
		}
	}
	return res
}

func (e *Engine) runStep(ctx context.Context, jobID, workspace string, step Step, sink LogSink, cancel <-chan struct{}) (model.StepResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
	defer stepCancel()

	start := time.Now()
	sr := model.StepResult{Name: step.Name, StartedAt: &start}

	var runErr error
	switch step.Mode {
	case StepModeFunc:
		runErr = step.Func(&StepContext{Ctx: stepCtx, Workspace: workspace, JobID: jobID, Step: step.Name, Sink: sink})
	default:
		runErr = e.runProcess(stepCtx, workspace, step, jobID, sink, cancel)
	}

	finish := time.Now()
	sr.FinishedAt = &finish
	if store := sinkStoreOf(sink); store != nil {
		tail, _ := Tail(ctx, store, jobID, tailLines)
		sr.LogExcerptTail = tail
	}

	switch {
	case runErr == nil:
		sr.State = model.StepSuccess
		sr.ExitCode = 0
		return sr, nil
	case ciserr.Of(runErr) == ciserr.Cancelled:
		sr.State = model.StepFailed
		sr.ExitCode = exitCodeOf(runErr)
		return sr, runErr
	case stepCtx.Err() == context.DeadlineExceeded:
		sr.State = model.StepFailed
		sr.ExitCode = -1
		return sr, ciserr.New(ciserr.StepTimeout, "step "+step.Name+" timed out", runErr)
	default:
		sr.State = model.StepFailed
		sr.ExitCode = exitCodeOf(runErr)
		return sr, ciserr.StepFailed(sr.ExitCode, "step "+step.Name+" failed", runErr)
	}
}

// runProcess launches step.Process.Command in its own process group so
// cancellation can signal the whole tree, not just the direct child
// (spec §4.5: "the process group receives SIGTERM then SIGKILL after
// KILL_GRACE").
func (e *Engine) runProcess(ctx context.Context, workspace string, step Step, jobID string, sink LogSink, cancel <-chan struct{}) error {
	if len(step.Process.Command) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, step.Process.Command[0], step.Process.Command[1:]...)
	dir := step.Process.Dir
	if dir == "" {
		dir = workspace
	}
	cmd.Dir = dir
	cmd.Env = step.Process.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	go streamLines(ctx, stdout, step.Name, jobID, sink)
	go streamLines(ctx, stderr, step.Name, jobID, sink)
	go func() { <-ctx.Done(); e.terminateGroup(cmd) }()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait(); close(done) }()

	select {
	case err := <-waitErr:
		return err
	case <-cancel:
		e.terminateGroup(cmd)
		<-done
		return ciserr.New(ciserr.Cancelled, "step "+step.Name+" cancelled", nil)
	}
}

// terminateGroup sends SIGTERM to the step's process group and
// escalates to SIGKILL after KillGrace if it hasn't exited.
func (e *Engine) terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	grace := e.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func streamLines(ctx context.Context, r io.Reader, step, jobID string, sink LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		_ = sink.Write(ctx, step, scanner.Text())
	}
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// sinkStoreOf recovers the underlying kv.Store from a KVLogSink so Tail
// can read back what Write just wrote; non-KVLogSink implementations
// simply yield no tail (used only in tests with a stub sink).
func sinkStoreOf(sink LogSink) kv.Store {
	if kvSink, ok := sink.(*KVLogSink); ok {
		return kvSink.kv
	}
	return nil
}
