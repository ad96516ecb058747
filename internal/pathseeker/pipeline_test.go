package pathseeker

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questmaestro/internal/repo"
	"questmaestro/internal/verify"
)

func exited() *Process {
	p := NewProcess(NewProcessID(), nil)
	p.Exit(nil)
	return p
}

type scriptedVerifier struct {
	results []verify.Result
	calls   int
	err     error
}

func (v *scriptedVerifier) Verify(context.Context, string, string) (verify.Result, error) {
	v.calls++
	if v.err != nil {
		return verify.Result{}, v.err
	}
	res := v.results[0]
	if len(v.results) > 1 {
		v.results = v.results[1:]
	}
	return res, nil
}

type countingSpawner struct {
	prompts []string
}

func (s *countingSpawner) Spawn(_ context.Context, opts SpawnOptions) (KillableProcess, error) {
	s.prompts = append(s.prompts, opts.Prompt)
	return exited(), nil
}

var (
	pass = verify.Result{Success: true}
	fail = verify.Result{Checks: []verify.Check{
		{Name: "Observable Coverage", Passed: true},
		{Name: "No Orphan Steps", Passed: false, Details: "Steps without observables: s2"},
	}}
)

func TestPipelineStopsOnFirstSuccess(t *testing.T) {
	v := &scriptedVerifier{results: []verify.Result{pass}}
	sp := &countingSpawner{}
	succeeded := 0
	err := Pipeline{Verifier: v, Spawner: sp}.Run(context.Background(), Params{
		ProcessID:       "proc-1",
		QuestID:         "add-login",
		Process:         exited(),
		OnVerifySuccess: func() { succeeded++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Empty(t, sp.prompts)
}

func TestPipelineRetriesUntilVerified(t *testing.T) {
	v := &scriptedVerifier{results: []verify.Result{fail, fail, pass}}
	sp := &countingSpawner{}
	var updates []ProcessUpdate
	succeeded := false
	err := Pipeline{Verifier: v, Spawner: sp}.Run(context.Background(), Params{
		ProcessID:       "proc-1",
		QuestID:         "add-login",
		Process:         exited(),
		OnVerifySuccess: func() { succeeded = true },
		OnProcessUpdate: func(u ProcessUpdate) { updates = append(updates, u) },
	})
	require.NoError(t, err)
	assert.True(t, succeeded)
	assert.Equal(t, 3, v.calls)
	require.Len(t, sp.prompts, 2)
	assert.Contains(t, sp.prompts[0], "Quest ID: add-login")
	assert.Contains(t, sp.prompts[0], "- No Orphan Steps: Steps without observables: s2")
	assert.NotContains(t, sp.prompts[0], "Observable Coverage")
	require.Len(t, updates, 2)
	assert.Equal(t, "proc-1", updates[0].ProcessID)
}

func TestPipelineAtMaxAttemptDoesNotRespawn(t *testing.T) {
	v := &scriptedVerifier{results: []verify.Result{fail}}
	sp := &countingSpawner{}
	updated, succeeded := false, false
	err := Pipeline{Verifier: v, Spawner: sp}.Run(context.Background(), Params{
		QuestID:         "add-login",
		Process:         exited(),
		Attempt:         DefaultMaxAttempts,
		OnVerifySuccess: func() { succeeded = true },
		OnProcessUpdate: func(ProcessUpdate) { updated = true },
	})
	require.NoError(t, err)
	assert.Empty(t, sp.prompts)
	assert.False(t, updated)
	assert.False(t, succeeded)
}

func TestPipelineExhaustsAttempts(t *testing.T) {
	v := &scriptedVerifier{results: []verify.Result{fail}}
	sp := &countingSpawner{}
	err := Pipeline{Verifier: v, Spawner: sp, MaxAttempts: 2}.Run(context.Background(), Params{
		QuestID: "add-login",
		Process: exited(),
	})
	require.NoError(t, err)
	assert.Len(t, sp.prompts, 2)
	assert.Equal(t, 3, v.calls)
}

func TestPipelineVerifyError(t *testing.T) {
	v := &scriptedVerifier{err: repo.ErrNotFound}
	err := Pipeline{Verifier: v, Spawner: &countingSpawner{}}.Run(context.Background(), Params{
		QuestID: "ghost",
		Process: exited(),
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPipelineHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	running := NewProcess("proc-1", nil)
	v := &scriptedVerifier{results: []verify.Result{pass}}
	err := Pipeline{Verifier: v, Spawner: &countingSpawner{}}.Run(ctx, Params{QuestID: "q", Process: running})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, v.calls)
}

func TestProcessKillResolvesOnce(t *testing.T) {
	kills := 0
	p := NewProcess("proc-1", func() error { kills++; return nil })

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.WaitForExit(context.Background())
		}(i)
	}
	require.NoError(t, p.Kill())
	p.Exit(nil)
	wg.Wait()

	assert.Equal(t, 1, kills)
	for _, err := range results {
		assert.ErrorIs(t, err, ErrKilled)
	}
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"-p", "go", "--output-format", "stream-json", "--verbose"}, Args(SpawnOptions{Prompt: "go"}))
	assert.Equal(t, []string{"-p", "go", "--output-format", "stream-json", "--verbose", "--resume", "sess-1"},
		Args(SpawnOptions{Prompt: "go", ResumeSessionID: "sess-1"}))
}

func TestChildSpawnerStreamsStdout(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	var gotArgs []string
	s := ChildSpawner{
		Binary: "claude",
		OnLine: func(_, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
		Command: func(ctx context.Context, _ string, args ...string) *exec.Cmd {
			gotArgs = args
			return exec.CommandContext(ctx, "sh", "-c", `echo '{"type":"system"}'; echo '{"type":"result"}'`)
		},
	}
	p, err := s.Start(context.Background(), SpawnOptions{Prompt: "Quest ID: q"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ID, "proc-"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForExit(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"type":"system"}`, `{"type":"result"}`}, lines)
	assert.Equal(t, "Quest ID: q", gotArgs[1])
}

func TestChildSpawnerSurvivesOverlongLine(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	var stderr strings.Builder
	s := ChildSpawner{
		Stderr: &stderr,
		OnLine: func(_, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
		Command: func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
			script := `echo start; echo oops >&2; ` +
				`head -c 5242880 /dev/zero | tr '\000' a; echo; ` +
				`head -c 1048576 /dev/zero | tr '\000' b; echo; exit 0`
			return exec.CommandContext(ctx, "sh", "-c", script)
		},
	}
	p, err := s.Start(context.Background(), SpawnOptions{Prompt: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForExit(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start"}, lines)
	assert.Equal(t, "oops\n", stderr.String())
}

func TestChildSpawnerKill(t *testing.T) {
	s := ChildSpawner{Command: func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "sleep 30")
	}}
	p, err := s.Start(context.Background(), SpawnOptions{Prompt: "x"})
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	assert.True(t, errors.Is(p.WaitForExit(context.Background()), ErrKilled))
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "Begin.\nQuest ID: q1\n", Prompt("Begin.\n$ARGUMENTS\n", "q1", nil))
	assert.Contains(t, Prompt("", "q1", nil), "You are pathseeker.")
}
