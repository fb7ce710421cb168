// Package pipeline executes the fixed, configurable step graph for a
// claimed job (spec §4.5). Grounded on internal/jobs/orchestrator/engine.go's
// Stage/RetryPolicy/Run shape, generalized from the teacher's
// inline-vs-child-job stage modes to process-vs-func step modes, since
// a build step here is either a sub-process (Clone, Test, Build...) or
// an in-process func (Resolve commit), never a nested job.
package pipeline

import (
	"time"

	"github.com/raibid-labs/ci-core/internal/model"
)

// StepMode selects how a Step is executed.
type StepMode string

const (
	// StepModeProcess launches Process.Command as a sub-process in its own
	// process group, line-buffering stdout+stderr into the log sink.
	StepModeProcess StepMode = "process"
	// StepModeFunc runs Func in-process (e.g. the resolve-commit step,
	// whose body itself invokes the git binary).
	StepModeFunc StepMode = "func"
)

// ProcessSpec describes a sub-process step's invocation.
type ProcessSpec struct {
	Command []string
	Dir     string
	Env     []string
}

// FuncSpec is an in-process step body. ctx.Ctx carries the step's
// deadline (the engine's cancel channel is not wired into it);
// ctx.Workspace is the step's working directory.
type FuncSpec func(ctx *StepContext) error

// Step is one node of the pipeline's fixed step graph (spec §4.5's
// reference table: Clone, Resolve commit, Lint, Unit test, Build,
// Package, Publish, Cleanup).
type Step struct {
	Name string
	Mode StepMode

	Process ProcessSpec
	Func    FuncSpec

	// AllowFailure marks a step non-fatal: its StepResult records
	// Failed but the pipeline continues (spec §9 open question,
	// resolved for the "lint" step by default).
	AllowFailure bool

	// Timeout is this step's deadline; zero uses the engine default
	// (30 min, spec §4.5).
	Timeout time.Duration

	// AlwaysRun marks a Cleanup-style step that runs even after a
	// fatal step failure short-circuits the rest of the graph.
	AlwaysRun bool
}

// Result is the outcome of one Engine.Run call: populated StepResults
// in execution order. Engine.Run does not fill Artifacts; callers derive
// them from the step results with Artifacts.
type Result struct {
	Steps     []model.StepResult
	Artifacts []model.ArtifactMetadata
	// Err is non-nil iff a fatal step failed, timed out, or the run
	// was cancelled; it is a *ciserr.Error.
	Err error
}
