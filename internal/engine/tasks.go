package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/events"
)

// AddTasks appends agent-proposed tasks as pending. The union of existing and
// new tasks must form a valid dependency DAG; otherwise nothing is written.
func (e Engine) AddTasks(ctx context.Context, folder string, specs []domain.TaskSpec) (domain.Quest, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	tasks := append([]domain.Task{}, q.Tasks...)
	for _, s := range specs {
		tasks = append(tasks, s.ToTask())
	}
	if err := e.validateTaskGraph(tasks); err != nil {
		return domain.Quest{}, err
	}
	q.Tasks = tasks
	recomputeProgress(&q)
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	e.journal(ctx, events.TasksAdded, folder, "quest", q.ID, events.EventPayload{"tasks": ids})
	return q, nil
}

// validateTaskGraph checks id uniqueness, dependency resolution and acyclicity.
func (e Engine) validateTaskGraph(tasks []domain.Task) error {
	byID := make(map[string]*domain.Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				e.log().Warn("task depends on missing task", zap.String("task", t.ID), zap.String("dependency", dep))
				return ErrInvalidDependencies
			}
		}
	}
	if id, ok := findCycle(tasks, byID); ok {
		e.log().Warn("circular task dependency", zap.String("task", id))
		return ErrInvalidDependencies
	}
	return nil
}

// findCycle runs a DFS with a recursion stack and reports a task on a cycle.
func findCycle(tasks []domain.Task, byID map[string]*domain.Task) (string, bool) {
	visited := make(map[string]bool, len(tasks))
	onStack := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if onStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		onStack[id] = true
		if t := byID[id]; t != nil {
			for _, dep := range t.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		onStack[id] = false
		visited[id] = true
		return false
	}
	for _, t := range tasks {
		if visit(t.ID) {
			return t.ID, true
		}
	}
	return "", false
}

// GetNextTasks returns the pending tasks whose dependencies are all resolved.
func (e Engine) GetNextTasks(folder string) ([]domain.Task, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return nil, err
	}
	return NextTasks(q), nil
}

// NextTasks is the dependency frontier of q.
func NextTasks(q domain.Quest) []domain.Task {
	status := make(map[string]domain.TaskStatus, len(q.Tasks))
	for _, t := range q.Tasks {
		status[t.ID] = t.Status
	}
	res := []domain.Task{}
	for _, t := range q.Tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !status[dep].Resolved() {
				ready = false
				break
			}
		}
		if ready {
			res = append(res, t)
		}
	}
	return res
}

// UpdateTaskStatus moves a task to status, stamping timestamps and, on
// completion, the report that completed it.
func (e Engine) UpdateTaskStatus(ctx context.Context, folder, taskID string, status domain.TaskStatus, reportFile string) (domain.Quest, error) {
	if !status.Valid() {
		return domain.Quest{}, fmt.Errorf("invalid task status %q", status)
	}
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	t := q.TaskByID(taskID)
	if t == nil {
		return domain.Quest{}, fmt.Errorf("task %s in quest %s: %w", taskID, folder, ErrTaskNotFound)
	}
	t.Status = status
	switch status {
	case domain.TaskInProgress:
		t.StartedAt = e.timestamp()
	case domain.TaskComplete:
		t.CompletedAt = e.timestamp()
		if reportFile != "" {
			t.CompletedBy = reportFile
		}
	}
	recomputeProgress(&q)
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.TaskStatus, folder, "task", taskID, events.EventPayload{"status": status, "report": reportFile})
	return q, nil
}

func recomputeProgress(q *domain.Quest) {
	total, done := 0, 0
	for _, t := range q.Tasks {
		if t.Type != domain.TaskTypeImplementation {
			continue
		}
		total++
		if t.Status == domain.TaskComplete {
			done++
		}
	}
	q.Phases.Implementation.Progress = fmt.Sprintf("%d/%d", done, total)
}

// UpdatePhaseStatus moves a phase to status, stamping timestamps and, on
// completion, the report that completed it.
func (e Engine) UpdatePhaseStatus(ctx context.Context, folder string, phase domain.PhaseType, status domain.PhaseStatus, reportFile string) (domain.Quest, error) {
	if !status.Valid() {
		return domain.Quest{}, fmt.Errorf("invalid phase status %q", status)
	}
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	p := q.Phases.Get(phase)
	if p == nil {
		return domain.Quest{}, fmt.Errorf("invalid phase %q", phase)
	}
	p.Status = status
	switch status {
	case domain.PhaseInProgress:
		p.StartedAt = e.timestamp()
	case domain.PhaseComplete:
		p.CompletedAt = e.timestamp()
		if reportFile != "" {
			p.Report = reportFile
		}
	}
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	e.journal(ctx, events.PhaseStatus, folder, "phase", string(phase), events.EventPayload{"status": status, "report": reportFile})
	return q, nil
}

// AddObservableActions appends agent-proposed observable actions as pending.
func (e Engine) AddObservableActions(ctx context.Context, folder string, specs []domain.ObservableActionSpec) (domain.Quest, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	if len(specs) == 0 {
		return q, nil
	}
	for _, s := range specs {
		q.ObservableActions = append(q.ObservableActions, domain.ObservableAction{
			ID:                 s.ID,
			Description:        s.Description,
			SuccessCriteria:    s.SuccessCriteria,
			FailureBehavior:    s.FailureBehavior,
			ImplementedByTasks: append([]string{}, s.ImplementedByTasks...),
			Status:             domain.ObservablePending,
		})
	}
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}

// RefreshObservableActions marks actions demonstrated once every task that
// implements them is resolved.
func (e Engine) RefreshObservableActions(ctx context.Context, folder string) (domain.Quest, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	changed := false
	for i := range q.ObservableActions {
		a := &q.ObservableActions[i]
		if a.Status == domain.ObservableDemonstrated || len(a.ImplementedByTasks) == 0 {
			continue
		}
		done := true
		for _, id := range a.ImplementedByTasks {
			t := q.TaskByID(id)
			if t == nil || !t.Status.Resolved() {
				done = false
				break
			}
		}
		if done {
			a.Status = domain.ObservableDemonstrated
			changed = true
		}
	}
	if !changed {
		return q, nil
	}
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}
