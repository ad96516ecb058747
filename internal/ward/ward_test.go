package ward

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
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
)

type wardFixture struct {
	validator Validator
	folder    string
	spawned   []agent.Context
	results   []error
}

func newWardFixture(t *testing.T, results ...error) *wardFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Ward.Command = "npm run ward:all"
	e := engine.New(repo.Repo{Root: cfg.RootDir(dir)}, cfg, zap.NewNop())
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	q, err := e.CreateNewQuest(context.Background(), "Ward Quest", "")
	require.NoError(t, err)

	f := &wardFixture{folder: q.Folder, results: results}
	f.validator = Validator{
		Engine: e,
		Log:    zap.NewNop(),
		Spawner: agent.SpawnerFunc(func(_ context.Context, agentType domain.AgentType, c agent.Context) (domain.AgentReport, error) {
			f.spawned = append(f.spawned, c)
			return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: agentType}, nil
		}),
		Exec: func(context.Context, string) ([]byte, error) {
			if len(f.results) == 0 {
				return nil, nil
			}
			res := f.results[0]
			f.results = f.results[1:]
			if res != nil {
				return []byte(res.Error()), res
			}
			return nil, nil
		},
	}
	return f
}

func TestValidate(t *testing.T) {
	f := newWardFixture(t, errors.New("lint: 2 problems"))
	res := f.validator.Validate(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "lint: 2 problems", res.Errors)

	assert.True(t, f.validator.Validate(context.Background()).Success)

	f.validator.Engine.Config.Ward.Command = ""
	assert.False(t, f.validator.Enabled())
	assert.True(t, f.validator.Validate(context.Background()).Success)
}

func TestHandleFailureRepairsOnSecondAttempt(t *testing.T) {
	f := newWardFixture(t, errors.New("still broken"), nil)
	err := f.validator.HandleFailure(context.Background(), f.folder, "type error", "task-1")
	require.NoError(t, err)

	require.Len(t, f.spawned, 2)
	assert.Equal(t, 1, f.spawned[0].AdditionalContext["attemptNumber"])
	assert.Equal(t, AttemptStrategy(1), f.spawned[0].AdditionalContext["attemptStrategy"])
	assert.Equal(t, []string{}, f.spawned[0].AdditionalContext["previousErrors"])
	assert.Equal(t, 2, f.spawned[1].AdditionalContext["attemptNumber"])
	assert.Equal(t, []string{"type error"}, f.spawned[1].AdditionalContext["previousErrors"])
	assert.Equal(t, "still broken", f.spawned[1].AdditionalContext["errors"])

	q, err := f.validator.Engine.LoadQuest(f.folder)
	require.NoError(t, err)
	require.Len(t, q.RecoveryHistory, 2)
	assert.Equal(t, "task-1", q.RecoveryHistory[0].TaskID)
	assert.Equal(t, 2, q.RecoveryAttempts)
	assert.Equal(t, domain.QuestInProgress, q.Status)

	log, err := os.ReadFile(filepath.Join(f.validator.Engine.Repo.QuestDir(repo.StateActive, f.folder), unresolvedFile))
	require.NoError(t, err)
	assert.NotContains(t, string(log), "[task-task-1]")
}

func TestHandleFailureBlocksAfterLastAttempt(t *testing.T) {
	boom := errors.New("tests failing")
	f := newWardFixture(t, boom, boom, boom)
	err := f.validator.HandleFailure(context.Background(), f.folder, "tests failing", "")
	require.ErrorIs(t, err, ErrBlocked)
	assert.Len(t, f.spawned, 3)
	assert.Equal(t, AttemptStrategy(3), f.spawned[2].AdditionalContext["attemptStrategy"])
	assert.Equal(t, "global", f.spawned[0].AdditionalContext["taskId"])

	q, err := f.validator.Engine.LoadQuest(f.folder)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestBlocked, q.Status)
	assert.Equal(t, []string{"tests failing"}, q.BlockingErrors)

	log, err := os.ReadFile(filepath.Join(f.validator.Engine.Repo.QuestDir(repo.StateActive, f.folder), unresolvedFile))
	require.NoError(t, err)
	assert.Contains(t, string(log), "[attempt-3] [task-global] tests failing")
}

func TestHandleFailureWithSpentBudgetBlocksImmediately(t *testing.T) {
	f := newWardFixture(t)
	q, err := f.validator.Engine.LoadQuest(f.folder)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		q.RecoveryHistory = append(q.RecoveryHistory, domain.RecoveryEntry{AgentType: domain.AgentSpiritmender, TaskID: "task-9", AttemptNumber: i, FailureReason: "old"})
	}
	require.NoError(t, f.validator.Engine.SaveQuest(context.Background(), &q))

	err = f.validator.HandleFailure(context.Background(), f.folder, "new failure", "task-9")
	require.ErrorIs(t, err, ErrBlocked)
	assert.Empty(t, f.spawned)
}

func TestAttemptStrategy(t *testing.T) {
	assert.Contains(t, AttemptStrategy(2), "deeper_analysis")
	assert.Equal(t, "basic_fixes: Focus on fundamental issues", AttemptStrategy(7))
}

func TestHandleFailureSurfacesSpiritmenderEscape(t *testing.T) {
	f := newWardFixture(t)
	f.validator.Spawner = agent.SpawnerFunc(func(_ context.Context, agentType domain.AgentType, c agent.Context) (domain.AgentReport, error) {
		f.spawned = append(f.spawned, c)
		return domain.AgentReport{
			Status:    domain.AgentStatusBlocked,
			AgentType: agentType,
			Number:    "003",
			Escape:    &domain.Escape{Reason: "task_too_complex", Analysis: "schema needs a redesign"},
		}, nil
	})

	err := f.validator.HandleFailure(context.Background(), f.folder, "type error", "task-1")
	var escape *EscapeError
	require.ErrorAs(t, err, &escape)
	assert.Equal(t, "003", escape.ReportNumber)
	assert.Equal(t, "task_too_complex", escape.Escape.Reason)
	assert.Len(t, f.spawned, 1)

	q, err := f.validator.Engine.LoadQuest(f.folder)
	require.NoError(t, err)
	require.Len(t, q.RecoveryHistory, 1)
	assert.Equal(t, domain.RecoveryWard, q.RecoveryHistory[0].Kind)
	assert.Equal(t, "003", q.RecoveryHistory[0].PreviousReportNumber)
	assert.NotEqual(t, domain.QuestBlocked, q.Status)
}

func TestHandleFailureRecordsContinuedReportNumber(t *testing.T) {
	f := newWardFixture(t, nil)
	f.validator.Spawner = agent.SpawnerFunc(func(_ context.Context, agentType domain.AgentType, c agent.Context) (domain.AgentReport, error) {
		f.spawned = append(f.spawned, c)
		return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: agentType, Number: "007"}, nil
	})
	require.NoError(t, f.validator.HandleFailure(context.Background(), f.folder, "lint", "task-1"))

	q, err := f.validator.Engine.LoadQuest(f.folder)
	require.NoError(t, err)
	require.Len(t, q.RecoveryHistory, 1)
	assert.Equal(t, "007", q.RecoveryHistory[0].PreviousReportNumber)
}

func TestPreviousErrorsIgnoresCrashRecoveries(t *testing.T) {
	q := domain.Quest{RecoveryHistory: []domain.RecoveryEntry{
		{Kind: domain.RecoveryWard, AgentType: domain.AgentSpiritmender, TaskID: "t1", FailureReason: "lint"},
		{Kind: domain.RecoveryCrash, AgentType: domain.AgentSpiritmender, TaskID: "t1", FailureReason: "exited without report"},
		{AgentType: domain.AgentSpiritmender, TaskID: "t1", FailureReason: "types"},
		{Kind: domain.RecoveryWard, AgentType: domain.AgentSpiritmender, TaskID: "t2", FailureReason: "other"},
	}}
	assert.Equal(t, []string{"lint", "types"}, previousErrors(q, "t1"))
}

func TestCommandOverridesConfig(t *testing.T) {
	f := newWardFixture(t)
	f.validator.Engine.Config.Ward.Command = ""
	f.validator.Command = "npm run ward"
	assert.True(t, f.validator.Enabled())

	var ran string
	f.validator.Exec = func(_ context.Context, command string) ([]byte, error) {
		ran = command
		return nil, nil
	}
	assert.True(t, f.validator.Validate(context.Background()).Success)
	assert.Equal(t, "npm run ward", ran)
}

func TestShellRunsInDir(t *testing.T) {
	dir := t.TempDir()
	v := Validator{Dir: dir}
	out, err := v.shell(context.Background(), "pwd")
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(out)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
