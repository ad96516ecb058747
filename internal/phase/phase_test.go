package phase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/config"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/repo"
	"questmaestro/internal/ward"
)

type spawnCall struct {
	agent domain.AgentType
	ctx   agent.Context
}

// fakeSpawner answers every spawn with respond and writes the report into the
// quest folder the way a real agent would.
type fakeSpawner struct {
	e       engine.Engine
	calls   []spawnCall
	respond func(agentType domain.AgentType, c agent.Context) domain.AgentReport
	err     error
	// resumed makes every agent finish under the next report number, as a
	// continued or recovered agent does.
	resumed bool
}

func (f *fakeSpawner) SpawnAndWait(_ context.Context, agentType domain.AgentType, c agent.Context) (domain.AgentReport, error) {
	f.calls = append(f.calls, spawnCall{agent: agentType, ctx: c})
	if f.err != nil {
		return domain.AgentReport{}, f.err
	}
	rep := domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: agentType}
	if f.respond != nil {
		rep = f.respond(agentType, c)
	}
	if f.resumed {
		next, err := agent.NextNumber(c.ReportNumber)
		if err != nil {
			return domain.AgentReport{}, err
		}
		c.ReportNumber, rep.Number, rep.Recovered = next, next, true
	}
	path := filepath.Join(f.e.Repo.QuestDir(repo.StateActive, c.QuestFolder), repo.ReportFileName(c.ReportNumber, agentType))
	return rep, f.e.Repo.WriteJSON(path, rep)
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	cfg := config.Default()
	e := engine.New(repo.Repo{Root: cfg.RootDir(t.TempDir())}, cfg, zap.NewNop())
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return e
}

func newQuest(t *testing.T, e engine.Engine, specs ...domain.TaskSpec) domain.Quest {
	t.Helper()
	q, err := e.CreateNewQuest(context.Background(), "Add Login", "users need to log in")
	require.NoError(t, err)
	if len(specs) > 0 {
		q, err = e.AddTasks(context.Background(), q.Folder, specs)
		require.NoError(t, err)
	}
	return q
}

func impl(id string, deps ...string) domain.TaskSpec {
	return domain.TaskSpec{ID: id, Name: id, Type: domain.TaskTypeImplementation, Dependencies: deps}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func reload(t *testing.T, e engine.Engine, folder string) domain.Quest {
	t.Helper()
	q, err := e.LoadQuest(folder)
	require.NoError(t, err)
	return q
}

func TestForPhase(t *testing.T) {
	e := newTestEngine(t)
	cases := map[domain.PhaseType]domain.AgentType{
		domain.PhaseDiscovery:      domain.AgentPathseeker,
		domain.PhaseImplementation: domain.AgentCodeweaver,
		domain.PhaseTesting:        domain.AgentSiegemaster,
		domain.PhaseReview:         domain.AgentLawbringer,
	}
	for p, a := range cases {
		r, ok := ForPhase(p, e, nil)
		require.True(t, ok)
		assert.Equal(t, p, r.PhaseType())
		assert.Equal(t, a, r.AgentType())
	}
	_, ok := ForPhase("deploy", e, nil)
	assert.False(t, ok)
}

func TestCanRunNeedsPendingPhase(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	r := Discovery(e)
	assert.True(t, r.CanRun(q))

	for _, s := range []domain.PhaseStatus{domain.PhaseInProgress, domain.PhaseComplete, domain.PhaseBlocked, domain.PhaseSkipped} {
		q.Phases.Discovery.Status = s
		assert.False(t, r.CanRun(q), s)
	}
}

func TestDiscoveryCreatesPlan(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	sp := &fakeSpawner{e: e, respond: func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: a, Report: payload(t, domain.PathseekerReport{
			Tasks: []domain.TaskSpec{impl("api"), impl("ui", "api")},
			ObservableActions: []domain.ObservableActionSpec{
				{ID: "login-works", Description: "user logs in", ImplementedByTasks: []string{"api", "ui"}},
			},
		})}
	}}

	require.NoError(t, Discovery(e).Run(context.Background(), q, sp))

	require.Len(t, sp.calls, 1)
	c := sp.calls[0].ctx
	assert.Equal(t, "creation", c.Mode)
	assert.Equal(t, "001", c.ReportNumber)
	assert.Equal(t, "users need to log in", c.AdditionalContext["userRequest"])

	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.PhaseComplete, got.Phases.Discovery.Status)
	assert.Equal(t, "001-pathseeker-report.json", got.Phases.Discovery.Report)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, domain.TaskPending, got.Tasks[1].Status)
	require.Len(t, got.ObservableActions, 1)
	assert.Equal(t, domain.ObservablePending, got.ObservableActions[0].Status)
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, domain.AgentPathseeker, got.ExecutionLog[0].AgentType)
}

func TestDiscoveryCreationWithNoTasks(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	sp := &fakeSpawner{e: e}
	require.NoError(t, Discovery(e).Run(context.Background(), q, sp))
	got := reload(t, e, q.Folder)
	assert.Empty(t, got.Tasks)
	assert.Equal(t, domain.PhaseComplete, got.Phases.Discovery.Status)
}

func TestDiscoveryValidationReconciles(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	q.NeedsRefinement = true
	require.NoError(t, e.SaveQuest(context.Background(), &q))

	sp := &fakeSpawner{e: e, respond: func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: a, Report: payload(t, domain.PathseekerReport{
			ReconciliationPlan: &domain.ReconciliationPlan{Mode: domain.ReconcileExtend, NewTasks: []domain.TaskSpec{impl("docs", "api")}},
		})}
	}}
	require.NoError(t, Discovery(e).Run(context.Background(), q, sp))

	assert.Equal(t, "validation", sp.calls[0].ctx.Mode)
	assert.Contains(t, sp.calls[0].ctx.AdditionalContext, "existingTasks")
	got := reload(t, e, q.Folder)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "docs", got.Tasks[1].ID)
	assert.False(t, got.NeedsRefinement)
}

func TestRunEscapeLeavesPhaseInProgress(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	escape := domain.Escape{
		Reason:         "task_too_complex",
		Analysis:       "the request spans three services",
		Recommendation: "split the quest",
		Retro:          "scope was unclear",
	}
	sp := &fakeSpawner{e: e, respond: func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: a, Escape: &escape,
			Report: payload(t, domain.PathseekerReport{Tasks: []domain.TaskSpec{impl("api")}})}
	}}

	err := Discovery(e).Run(context.Background(), q, sp)
	var esc *EscapeHatchError
	require.True(t, errors.As(err, &esc))
	assert.Equal(t, escape, esc.Escape)
	assert.Equal(t, domain.AgentPathseeker, esc.Agent)
	assert.Equal(t, "001", esc.ReportNumber)

	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.PhaseInProgress, got.Phases.Discovery.Status)
	assert.Empty(t, got.Tasks)
	assert.Empty(t, got.ExecutionLog)
}

func TestRunPropagatesSpawnError(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	boom := errors.New("Agent spawn failed")
	err := Discovery(e).Run(context.Background(), q, &fakeSpawner{e: e, err: boom})
	assert.Same(t, boom, err)
	assert.Equal(t, domain.PhaseInProgress, reload(t, e, q.Folder).Phases.Discovery.Status)
}

func TestRunPropagatesProcessingError(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	sp := &fakeSpawner{e: e, respond: func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: a,
			Report: payload(t, domain.PathseekerReport{Tasks: []domain.TaskSpec{impl("ui", "missing")}})}
	}}
	err := Discovery(e).Run(context.Background(), q, sp)
	assert.ErrorIs(t, err, engine.ErrInvalidDependencies)
	assert.Equal(t, domain.PhaseInProgress, reload(t, e, q.Folder).Phases.Discovery.Status)
}

func codeweaverDone(files ...string) func(domain.AgentType, agent.Context) domain.AgentReport {
	return func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: a,
			Report: json.RawMessage(mustJSON(domain.CodeweaverReport{FilesCreated: files}))}
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func TestImplementationRunsTasksInDependencyOrder(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("ui", "api"), impl("api"),
		domain.TaskSpec{ID: "e2e", Name: "e2e", Type: domain.TaskTypeTesting})
	_, err := e.AddObservableActions(context.Background(), q.Folder, []domain.ObservableActionSpec{
		{ID: "login-works", ImplementedByTasks: []string{"api", "ui"}},
	})
	require.NoError(t, err)
	q = reload(t, e, q.Folder)

	r := Implementation(e, nil)
	require.True(t, r.CanRun(q))
	sp := &fakeSpawner{e: e, respond: codeweaverDone("src/api.ts")}
	require.NoError(t, r.Run(context.Background(), q, sp))

	require.Len(t, sp.calls, 2)
	first := sp.calls[0].ctx.AdditionalContext["task"].(domain.Task)
	second := sp.calls[1].ctx.AdditionalContext["task"].(domain.Task)
	assert.Equal(t, "api", first.ID)
	assert.Equal(t, "ui", second.ID)
	assert.Equal(t, "Add Login", sp.calls[0].ctx.AdditionalContext["questTitle"])

	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.PhaseComplete, got.Phases.Implementation.Status)
	assert.Equal(t, "001-codeweaver-report.json", got.TaskByID("api").CompletedBy)
	assert.Equal(t, "002-codeweaver-report.json", got.TaskByID("ui").CompletedBy)
	assert.Equal(t, domain.TaskPending, got.TaskByID("e2e").Status)
	assert.Equal(t, "2/2", got.Phases.Implementation.Progress)
	assert.Equal(t, domain.ObservableDemonstrated, got.ObservableActions[0].Status)
	require.Len(t, got.ExecutionLog, 2)
	assert.Equal(t, "ui", got.ExecutionLog[1].TaskID)
}

func TestImplementationCannotRunWithoutOpenTasks(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	q, err := e.UpdateTaskStatus(context.Background(), q.Folder, "api", domain.TaskComplete, "")
	require.NoError(t, err)

	r := Implementation(e, nil)
	assert.False(t, r.CanRun(q))
	sp := &fakeSpawner{e: e}
	require.NoError(t, r.Run(context.Background(), q, sp))
	assert.Empty(t, sp.calls)
	assert.Equal(t, domain.PhasePending, reload(t, e, q.Folder).Phases.Implementation.Status)
}

func TestImplementationEscapeLeavesTaskInProgress(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	sp := &fakeSpawner{e: e, respond: func(a domain.AgentType, _ agent.Context) domain.AgentReport {
		return domain.AgentReport{AgentType: a, Escape: &domain.Escape{Reason: "unclear_requirements"}}
	}}
	err := Implementation(e, nil).Run(context.Background(), q, sp)
	var esc *EscapeHatchError
	require.ErrorAs(t, err, &esc)

	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.TaskInProgress, got.TaskByID("api").Status)
	assert.Equal(t, domain.PhaseInProgress, got.Phases.Implementation.Status)
}

func TestImplementationResumesInterruptedTask(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	_, err := e.UpdateTaskStatus(context.Background(), q.Folder, "api", domain.TaskInProgress, "")
	require.NoError(t, err)

	sp := &fakeSpawner{e: e}
	require.NoError(t, Implementation(e, nil).Run(context.Background(), q, sp))
	assert.Len(t, sp.calls, 1)
	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.TaskComplete, got.TaskByID("api").Status)
}

func TestImplementationStallsOnFailedDependency(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"), impl("ui", "api"))
	_, err := e.UpdateTaskStatus(context.Background(), q.Folder, "api", domain.TaskFailed, "")
	require.NoError(t, err)

	err = Implementation(e, nil).Run(context.Background(), q, &fakeSpawner{e: e})
	assert.ErrorIs(t, err, ErrStalled)
}

type fakeWard struct {
	results  []ward.Result
	failures []string
	err      error
}

func (w *fakeWard) Enabled() bool { return true }

func (w *fakeWard) Validate(context.Context) ward.Result {
	if len(w.results) == 0 {
		return ward.Result{Success: true}
	}
	res := w.results[0]
	w.results = w.results[1:]
	return res
}

func (w *fakeWard) HandleFailure(_ context.Context, _, errs, taskID string) error {
	w.failures = append(w.failures, taskID+": "+errs)
	return w.err
}

func TestImplementationRunsWardAfterEachTask(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"), impl("ui", "api"))
	w := &fakeWard{results: []ward.Result{{Success: false, Errors: "Linting failed"}, {Success: true}}}
	require.NoError(t, Implementation(e, w).Run(context.Background(), q, &fakeSpawner{e: e}))
	assert.Equal(t, []string{"api: Linting failed"}, w.failures)
}

func TestImplementationStopsWhenWardBlocks(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"), impl("ui", "api"))
	w := &fakeWard{results: []ward.Result{{Success: false, Errors: "type errors"}}, err: ward.ErrBlocked}
	sp := &fakeSpawner{e: e}
	err := Implementation(e, w).Run(context.Background(), q, sp)
	assert.ErrorIs(t, err, ward.ErrBlocked)
	assert.Len(t, sp.calls, 1)
}

func writeCodeweaverReport(t *testing.T, e engine.Engine, folder, number string, rep domain.CodeweaverReport) {
	t.Helper()
	path := filepath.Join(e.Repo.QuestDir(repo.StateActive, folder), repo.ReportFileName(number, domain.AgentCodeweaver))
	require.NoError(t, e.Repo.WriteJSON(path, domain.AgentReport{
		Status: domain.AgentStatusComplete, AgentType: domain.AgentCodeweaver, Report: payload(t, rep),
	}))
}

func TestTestingPhase(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	r := Testing(e)
	assert.False(t, r.CanRun(q))

	writeCodeweaverReport(t, e, q.Folder, "001", domain.CodeweaverReport{FilesCreated: []string{"src/api.ts"}, FilesModified: []string{"src/app.ts"}})
	q, err := e.UpdateTaskStatus(context.Background(), q.Folder, "api", domain.TaskComplete, "001-codeweaver-report.json")
	require.NoError(t, err)
	require.True(t, r.CanRun(q))

	sp := &fakeSpawner{e: e}
	require.NoError(t, r.Run(context.Background(), q, sp))
	extra := sp.calls[0].ctx.AdditionalContext
	assert.Equal(t, []string{"src/api.ts"}, extra["filesCreated"])
	assert.Equal(t, "jest", extra["testFramework"])
	assert.Equal(t, "002", sp.calls[0].ctx.ReportNumber)

	got := reload(t, e, q.Folder)
	assert.Equal(t, domain.PhaseComplete, got.Phases.Testing.Status)
	assert.Equal(t, "002-siegemaster-report.json", got.Phases.Testing.Report)
}

func TestReviewPhase(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	r := Review(e)
	assert.False(t, r.CanRun(q))

	writeCodeweaverReport(t, e, q.Folder, "001", domain.CodeweaverReport{FilesCreated: []string{"src/api.ts"}, FilesModified: []string{"src/app.ts"}})
	require.True(t, r.CanRun(q))

	sp := &fakeSpawner{e: e}
	require.NoError(t, r.Run(context.Background(), q, sp))
	assert.Equal(t, domain.AgentLawbringer, sp.calls[0].agent)
	assert.Equal(t, []string{"src/api.ts", "src/app.ts"}, sp.calls[0].ctx.AdditionalContext["changedFiles"])
	assert.Equal(t, domain.PhaseComplete, reload(t, e, q.Folder).Phases.Review.Status)
}

func TestRunRecordsResumedReport(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e)
	writeCodeweaverReport(t, e, q.Folder, "001", domain.CodeweaverReport{FilesCreated: []string{"src/api.ts"}})

	sp := &fakeSpawner{e: e, resumed: true}
	require.NoError(t, Review(e).Run(context.Background(), q, sp))
	assert.Equal(t, "002", sp.calls[0].ctx.ReportNumber)

	got := reload(t, e, q.Folder)
	assert.Equal(t, "003-lawbringer-report.json", got.Phases.Review.Report)
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, "003-lawbringer-report.json", got.ExecutionLog[0].Report)
	assert.True(t, got.ExecutionLog[0].IsRecovery)
}

func TestImplementationRecordsResumedReport(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	sp := &fakeSpawner{e: e, resumed: true}
	require.NoError(t, Implementation(e, nil).Run(context.Background(), q, sp))

	got := reload(t, e, q.Folder)
	assert.Equal(t, "002-codeweaver-report.json", got.TaskByID("api").CompletedBy)
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, "002-codeweaver-report.json", got.ExecutionLog[0].Report)
	assert.True(t, got.ExecutionLog[0].IsRecovery)
}

func TestImplementationConvertsSpiritmenderEscape(t *testing.T) {
	e := newTestEngine(t)
	q := newQuest(t, e, impl("api"))
	w := &fakeWard{
		results: []ward.Result{{Success: false, Errors: "type errors"}},
		err:     &ward.EscapeError{ReportNumber: "002", Escape: domain.Escape{Reason: "task_too_complex"}},
	}
	err := Implementation(e, w).Run(context.Background(), q, &fakeSpawner{e: e})

	var esc *EscapeHatchError
	require.ErrorAs(t, err, &esc)
	assert.Equal(t, domain.PhaseImplementation, esc.Phase)
	assert.Equal(t, domain.AgentSpiritmender, esc.Agent)
	assert.Equal(t, "002", esc.ReportNumber)
	assert.Equal(t, "task_too_complex", esc.Escape.Reason)
}

func TestTestingDetectsFrameworkFromPackage(t *testing.T) {
	e := newTestEngine(t)
	e.Config.Testing.Framework = ""
	q := newQuest(t, e, impl("api"))
	writeCodeweaverReport(t, e, q.Folder, "001", domain.CodeweaverReport{FilesCreated: []string{"src/api.ts"}})
	q, err := e.UpdateTaskStatus(context.Background(), q.Folder, "api", domain.TaskComplete, "001-codeweaver-report.json")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"devDependencies":{"vitest":"^1.0.0"}}`), 0o644))
	r := Testing(e)
	r.WorkingDirectory = dir

	sp := &fakeSpawner{e: e}
	require.NoError(t, r.Run(context.Background(), q, sp))
	assert.Equal(t, "vitest", sp.calls[0].ctx.AdditionalContext["testFramework"])
	assert.Equal(t, dir, sp.calls[0].ctx.WorkingDirectory)
}
