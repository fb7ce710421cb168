package pipeline

import (
	"fmt"
	"os/exec"

	"github.com/raibid-labs/ci-core/internal/model"
)

// Config is the per-job pipeline configuration resolved by the
// dispatcher/worker from the job's repo (spec §4.5: "fixed,
// configurable step graph... reference pipeline for a
// language-toolchain build, adapt by config").
type Config struct {
	CloneURL      string
	Commit        string
	LintCommand   []string
	TestCommand   []string
	BuildCommand  []string
	PackageImage  string // non-empty enables the Package step
	PublishImage  bool
	RegistryURL   string
	RegistryAuth  string
}

// DefaultSteps builds the reference step graph from the table in
// spec §4.5: Clone, Resolve commit, Lint (non-fatal), Unit test,
// Build, Package (conditional), Publish (conditional), Cleanup
// (always runs).
func DefaultSteps(cfg Config, workspace string) []Step {
	steps := []Step{
		{
			Name: "clone",
			Mode: StepModeProcess,
			Process: ProcessSpec{
				Command: []string{"git", "clone", "--depth", "1", cfg.CloneURL, workspace},
			},
		},
		{
			Name: "resolve-commit",
			Mode: StepModeFunc,
			Func: func(sc *StepContext) error {
				return resolveCommit(sc, cfg.Commit)
			},
		},
	}
	if len(cfg.LintCommand) > 0 {
		steps = append(steps, Step{
			Name:         "lint",
			Mode:         StepModeProcess,
			AllowFailure: true,
			Process:      ProcessSpec{Command: cfg.LintCommand, Dir: workspace},
		})
	}
	if len(cfg.TestCommand) > 0 {
		steps = append(steps, Step{
			Name:    "unit-test",
			Mode:    StepModeProcess,
			Process: ProcessSpec{Command: cfg.TestCommand, Dir: workspace},
		})
	}
	if len(cfg.BuildCommand) > 0 {
		steps = append(steps, Step{
			Name:    "build",
			Mode:    StepModeProcess,
			Process: ProcessSpec{Command: cfg.BuildCommand, Dir: workspace},
		})
	}
	if cfg.PackageImage != "" {
		steps = append(steps, Step{
			Name: "package",
			Mode: StepModeProcess,
			Process: ProcessSpec{
				Command: []string{"docker", "build", "-t", cfg.PackageImage, "."},
				Dir:     workspace,
			},
		})
		if cfg.PublishImage {
			steps = append(steps, Step{
				Name: "publish",
				Mode: StepModeProcess,
				Process: ProcessSpec{
					Command: []string{"docker", "push", cfg.PackageImage},
					Dir:     workspace,
				},
			})
		}
	}
	steps = append(steps, Step{
		Name:      "cleanup",
		Mode:      StepModeFunc,
		AlwaysRun: true,
		Func: func(sc *StepContext) error {
			return nil
		},
	})
	return steps
}

// resolveCommit checks out commit when it names a specific revision.
// For "HEAD" (or empty) it runs git rev-parse HEAD in the clone and
// writes the resulting sha to the log sink only; the job's Commit field
// is not updated with it.
func resolveCommit(sc *StepContext, commit string) error {
	if commit != "" && commit != "HEAD" {
		cmd := exec.CommandContext(sc.Ctx, "git", "checkout", "--quiet", commit)
		cmd.Dir = sc.Workspace
		return cmd.Run()
	}
	cmd := exec.CommandContext(sc.Ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = sc.Workspace
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	_ = sc.Sink.Write(sc.Ctx, sc.Step, "resolved HEAD to "+string(out))
	return nil
}

// Artifacts inspects the step results for a successful Package step
// and synthesizes the corresponding ArtifactMetadata (spec §4.5/§3;
// the pipeline here does not introspect image digests, so SizeBytes
// and Digest are left empty).
func Artifacts(cfg Config, steps []model.StepResult) []model.ArtifactMetadata {
	if cfg.PackageImage == "" {
		return nil
	}
	for _, s := range steps {
		if s.Name == "package" && s.State == model.StepSuccess {
			return []model.ArtifactMetadata{{
				Kind:      model.ArtifactContainerImage,
				Reference: cfg.PackageImage,
			}}
		}
	}
	return nil
}
