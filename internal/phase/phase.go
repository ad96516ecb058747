package phase

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
	"questmaestro/internal/ward"
)

// PhaseRunner drives one quest phase through its agent.
type PhaseRunner interface {
	PhaseType() domain.PhaseType
	AgentType() domain.AgentType
	CanRun(q domain.Quest) bool
	Run(ctx context.Context, q domain.Quest, spawner agent.Spawner) error
}

// EscapeHatchError reports that an agent gave up on the plan as given. It is
// a refinement signal, not a failure.
type EscapeHatchError struct {
	Phase        domain.PhaseType
	Agent        domain.AgentType
	ReportNumber string
	Escape       domain.Escape
}

func (e *EscapeHatchError) Error() string {
	return fmt.Sprintf("%s escaped during %s: %s", e.Agent, e.Phase, e.Escape.Reason)
}

// Ward validates the project after each implementation task.
type Ward interface {
	Enabled() bool
	Validate(ctx context.Context) ward.Result
	HandleFailure(ctx context.Context, folder, errs, taskID string) error
}

// Runner is the one PhaseRunner implementation; the per-phase constructors
// only differ in the hooks they set.
type Runner struct {
	Phase  domain.PhaseType
	Agent  domain.AgentType
	Engine engine.Engine
	Ward   Ward
	// WorkingDirectory is handed to agents; defaults to the process cwd.
	WorkingDirectory string

	gate         func(r Runner, q domain.Quest) bool
	buildContext func(r Runner, q domain.Quest) (map[string]any, error)
	process      func(ctx context.Context, r Runner, q domain.Quest, report domain.AgentReport) error
	// run replaces the single-agent flow entirely.
	run func(ctx context.Context, r Runner, q domain.Quest, spawner agent.Spawner) error
}

func (r Runner) PhaseType() domain.PhaseType { return r.Phase }
func (r Runner) AgentType() domain.AgentType { return r.Agent }

func (r Runner) log() *zap.Logger {
	return logging.OrNop(r.Engine.Log).With(zap.String("phase", string(r.Phase)))
}

// CanRun is true for a pending phase whose extra gate, if any, also holds.
func (r Runner) CanRun(q domain.Quest) bool {
	p := q.Phases.Get(r.Phase)
	if p == nil || p.Status != domain.PhasePending {
		return false
	}
	return r.gate == nil || r.gate(r, q)
}

// Run marks the phase in progress, spawns the agent, applies its report to a
// freshly loaded quest and marks the phase complete. Any error leaves the
// phase in progress so a later run can resume it.
func (r Runner) Run(ctx context.Context, q domain.Quest, spawner agent.Spawner) error {
	if r.run != nil {
		return r.run(ctx, r, q, spawner)
	}
	folder := q.Folder
	q, err := r.Engine.UpdatePhaseStatus(ctx, folder, r.Phase, domain.PhaseInProgress, "")
	if err != nil {
		return err
	}
	extra := map[string]any{}
	if r.buildContext != nil {
		if extra, err = r.buildContext(r, q); err != nil {
			return err
		}
	}
	number, err := r.Engine.NextReportNumber(folder)
	if err != nil {
		return err
	}
	r.log().Info("phase started", zap.String("quest", folder), zap.String("agent", string(r.Agent)), zap.String("report", number))
	report, err := spawner.SpawnAndWait(ctx, r.Agent, r.agentContext(folder, number, extra))
	if err != nil {
		return err
	}
	// A continued or recovered agent reports under a later number.
	number = report.NumberOr(number)

	fresh, err := r.Engine.LoadQuest(folder)
	if err != nil {
		return err
	}
	if report.Escape != nil {
		return &EscapeHatchError{Phase: r.Phase, Agent: r.Agent, ReportNumber: number, Escape: *report.Escape}
	}
	if r.process != nil {
		if err := r.process(ctx, r, fresh, report); err != nil {
			return err
		}
	}
	return r.complete(ctx, folder, number, report.Recovered)
}

func (r Runner) complete(ctx context.Context, folder, number string, recovered bool) error {
	file := ""
	if number != "" {
		file = repo.ReportFileName(number, r.Agent)
	}
	if _, err := r.Engine.UpdatePhaseStatus(ctx, folder, r.Phase, domain.PhaseComplete, file); err != nil {
		return err
	}
	if file != "" {
		if err := r.Engine.AddExecutionLogEntry(ctx, folder, domain.ExecutionLogEntry{Report: file, AgentType: r.Agent, IsRecovery: recovered}); err != nil {
			return err
		}
	}
	r.log().Info("phase complete", zap.String("quest", folder))
	return nil
}

func (r Runner) agentContext(folder, number string, extra map[string]any) agent.Context {
	c := agent.Context{
		QuestFolder:       folder,
		ReportNumber:      number,
		WorkingDirectory:  r.workingDir(),
		AdditionalContext: extra,
	}
	if mode, ok := extra["mode"].(string); ok {
		c.Mode = mode
	}
	return c
}

func (r Runner) workingDir() string {
	if r.WorkingDirectory != "" {
		return r.WorkingDirectory
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ForPhase returns the runner for p, or false for an unknown phase.
func ForPhase(p domain.PhaseType, e engine.Engine, w Ward) (PhaseRunner, bool) {
	switch p {
	case domain.PhaseDiscovery:
		return Discovery(e), true
	case domain.PhaseImplementation:
		return Implementation(e, w), true
	case domain.PhaseTesting:
		return Testing(e), true
	case domain.PhaseReview:
		return Review(e), true
	}
	return nil, false
}
