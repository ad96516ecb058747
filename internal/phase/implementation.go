package phase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/repo"
	"questmaestro/internal/ward"
)

// ErrStalled is returned when open implementation tasks remain but none of
// them can start.
var ErrStalled = errors.New("implementation stalled: no runnable tasks")

// Implementation runs codeweaver once per implementation task, in dependency
// order, validating the project with w after each task when w is enabled.
func Implementation(e engine.Engine, w Ward) Runner {
	return Runner{
		Phase:  domain.PhaseImplementation,
		Agent:  domain.AgentCodeweaver,
		Engine: e,
		Ward:   w,
		gate:   func(_ Runner, q domain.Quest) bool { return hasOpenImplementation(q) },
		run:    runImplementation,
	}
}

func hasOpenImplementation(q domain.Quest) bool {
	for _, t := range q.Tasks {
		if t.Type == domain.TaskTypeImplementation && !t.Status.Resolved() {
			return true
		}
	}
	return false
}

func implementationFrontier(q domain.Quest) []domain.Task {
	var res []domain.Task
	for _, t := range engine.NextTasks(q) {
		if t.Type == domain.TaskTypeImplementation {
			res = append(res, t)
		}
	}
	return res
}

func runImplementation(ctx context.Context, r Runner, q domain.Quest, spawner agent.Spawner) error {
	if !hasOpenImplementation(q) {
		return nil
	}
	folder := q.Folder
	if _, err := r.Engine.UpdatePhaseStatus(ctx, folder, r.Phase, domain.PhaseInProgress, ""); err != nil {
		return err
	}
	if err := r.resetInterrupted(ctx, folder); err != nil {
		return err
	}
	for {
		q, err := r.Engine.LoadQuest(folder)
		if err != nil {
			return err
		}
		ready := implementationFrontier(q)
		if len(ready) == 0 {
			break
		}
		if err := r.runTask(ctx, q, ready[0], spawner); err != nil {
			return err
		}
	}

	q, err := r.Engine.LoadQuest(folder)
	if err != nil {
		return err
	}
	var open []string
	for _, t := range q.Tasks {
		if t.Type == domain.TaskTypeImplementation && !t.Status.Terminal() {
			open = append(open, t.ID)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %v", ErrStalled, open)
	}
	return r.complete(ctx, folder, "", false)
}

// resetInterrupted returns tasks left in progress by an earlier run to pending.
func (r Runner) resetInterrupted(ctx context.Context, folder string) error {
	q, err := r.Engine.LoadQuest(folder)
	if err != nil {
		return err
	}
	for _, t := range q.Tasks {
		if t.Type == domain.TaskTypeImplementation && t.Status == domain.TaskInProgress {
			r.log().Info("resuming interrupted task", zap.String("task", t.ID))
			if _, err := r.Engine.UpdateTaskStatus(ctx, folder, t.ID, domain.TaskPending, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Runner) runTask(ctx context.Context, q domain.Quest, t domain.Task, spawner agent.Spawner) error {
	folder := q.Folder
	if _, err := r.Engine.UpdateTaskStatus(ctx, folder, t.ID, domain.TaskInProgress, ""); err != nil {
		return err
	}
	number, err := r.Engine.NextReportNumber(folder)
	if err != nil {
		return err
	}
	r.log().Info("implementing task", zap.String("quest", folder), zap.String("task", t.ID), zap.String("report", number))
	report, err := spawner.SpawnAndWait(ctx, r.Agent, r.agentContext(folder, number, map[string]any{
		"questTitle": q.Title,
		"task":       t,
	}))
	if err != nil {
		return err
	}
	number = report.NumberOr(number)
	if report.Escape != nil {
		return &EscapeHatchError{Phase: r.Phase, Agent: r.Agent, ReportNumber: number, Escape: *report.Escape}
	}

	file := repo.ReportFileName(number, r.Agent)
	if _, err := r.Engine.UpdateTaskStatus(ctx, folder, t.ID, domain.TaskComplete, file); err != nil {
		return err
	}
	if err := r.Engine.AddExecutionLogEntry(ctx, folder, domain.ExecutionLogEntry{Report: file, TaskID: t.ID, AgentType: r.Agent, IsRecovery: report.Recovered}); err != nil {
		return err
	}
	if _, err := r.Engine.RefreshObservableActions(ctx, folder); err != nil {
		return err
	}

	if r.Ward == nil || !r.Ward.Enabled() {
		return nil
	}
	res := r.Ward.Validate(ctx)
	if res.Success {
		return nil
	}
	err = r.Ward.HandleFailure(ctx, folder, res.Errors, t.ID)
	var escape *ward.EscapeError
	if errors.As(err, &escape) {
		return &EscapeHatchError{Phase: r.Phase, Agent: domain.AgentSpiritmender, ReportNumber: escape.ReportNumber, Escape: escape.Escape}
	}
	return err
}
