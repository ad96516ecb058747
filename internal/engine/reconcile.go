package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/events"
)

// ApplyReconciliation merges a discovery re-plan into the task list.
//
// EXTEND appends new tasks, REPLAN keeps only terminal tasks before appending,
// CONTINUE leaves the list alone. Dependency overrides and obsolete markers
// apply in every mode, and the result must still be a valid DAG.
func (e Engine) ApplyReconciliation(ctx context.Context, folder string, plan domain.ReconciliationPlan) (domain.Quest, error) {
	if !plan.Mode.Valid() {
		return domain.Quest{}, fmt.Errorf("invalid reconciliation mode %q", plan.Mode)
	}
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	tasks := append([]domain.Task{}, q.Tasks...)
	switch plan.Mode {
	case domain.ReconcileExtend:
		tasks = appendSpecs(tasks, plan.NewTasks)
	case domain.ReconcileReplan:
		kept := tasks[:0:0]
		for _, t := range tasks {
			if t.Status.Terminal() {
				kept = append(kept, t)
			}
		}
		tasks = appendSpecs(kept, plan.NewTasks)
	case domain.ReconcileContinue:
	}

	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}
	for _, u := range plan.TaskUpdates {
		i, ok := index[u.TaskID]
		if !ok {
			e.log().Warn("reconciliation update for unknown task", zap.String("task", u.TaskID))
			continue
		}
		tasks[i].Dependencies = append([]string{}, u.NewDependencies...)
	}
	for _, o := range plan.ObsoleteTasks {
		i, ok := index[o.TaskID]
		if !ok {
			e.log().Warn("reconciliation obsoletes unknown task", zap.String("task", o.TaskID))
			continue
		}
		tasks[i].Status = domain.TaskSkipped
		note := "Obsolete: " + o.Reason
		if tasks[i].ErrorMessage != "" {
			tasks[i].ErrorMessage = strings.Join([]string{tasks[i].ErrorMessage, note}, "; ")
		} else {
			tasks[i].ErrorMessage = note
		}
	}

	if err := e.validateTaskGraph(tasks); err != nil {
		return domain.Quest{}, err
	}
	q.Tasks = tasks
	recomputeProgress(&q)
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.QuestReconciled, folder, "quest", q.ID, events.EventPayload{
		"mode":     plan.Mode,
		"newTasks": len(plan.NewTasks),
		"updates":  len(plan.TaskUpdates),
		"obsolete": len(plan.ObsoleteTasks),
	})
	return q, nil
}

func appendSpecs(tasks []domain.Task, specs []domain.TaskSpec) []domain.Task {
	for _, s := range specs {
		tasks = append(tasks, s.ToTask())
	}
	return tasks
}
