package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questmaestro/internal/config"
	"questmaestro/internal/events"
	"questmaestro/internal/pathseeker"
)

func TestOpenJournalsQuestActivity(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), dir, zap.NewNop())
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, filepath.Join(dir, "questmaestro"), ws.Engine.Repo.Root)
	_, err = os.Stat(filepath.Join(dir, ".questmaestro", "journal.db"))
	require.NoError(t, err)

	q, err := ws.Engine.CreateNewQuest(context.Background(), "Add Login", "")
	require.NoError(t, err)
	evts, err := ws.Engine.Repo.LatestEvents(context.Background(), 10, q.Folder, events.QuestCreated, "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "add-login", evts[0].EntityID)
}

func TestOpenReadsConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("paths:\n  root: quests\npathseeker:\n  max_attempts: 5\n"), 0o644))

	ws, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, filepath.Join(dir, "quests"), ws.Engine.Repo.Root)

	p, _ := ws.Pipeline(nil)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, pathseeker.DefaultPrompt, p.PromptTemplate)

	s := ws.Spawner(nil)
	assert.Equal(t, filepath.Join(dir, "questmaestro", "agents"), s.Config.Agents.PromptsDir)
	assert.Equal(t, "questmaestro/agents", ws.Config.Agents.PromptsDir)
}

func TestWardCommandDetection(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.Config.Ward.Command = ""
	assert.Empty(t, ws.WardCommand())
	assert.False(t, ws.Ward(nil).Enabled())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"ward":"eslint . && tsc"}}`), 0o644))
	assert.Equal(t, "npm run ward", ws.WardCommand())
	v := ws.Ward(nil)
	assert.True(t, v.Enabled())
	assert.Equal(t, dir, v.Dir)

	ws.Config.Ward.AutoDetect = false
	assert.Empty(t, ws.WardCommand())

	ws.Config.Ward.Command = "make check"
	assert.Equal(t, "make check", ws.WardCommand())
}

func TestSpawnerRecordsRecoveries(t *testing.T) {
	ws, err := Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.NotNil(t, ws.Spawner(nil).Recovery)
}
