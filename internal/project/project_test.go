package project

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/repo"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte(body), 0o644))
}

func TestFindPackages(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `{"name":"root"}`)
	writeManifest(t, filepath.Join(root, "packages", "api"), `{"name":"api"}`)
	writeManifest(t, filepath.Join(root, "node_modules", "left-pad"), `{"name":"left-pad"}`)
	writeManifest(t, filepath.Join(root, ".cache", "x"), `{"name":"hidden"}`)
	writeManifest(t, filepath.Join(root, "dist"), `{"name":"dist"}`)
	writeManifest(t, filepath.Join(root, "a", "b", "c", "d", "e"), `{"name":"deep"}`)
	writeManifest(t, filepath.Join(root, "a", "b", "c", "d", "e", "f"), `{"name":"too-deep"}`)
	writeManifest(t, filepath.Join(root, "broken"), `{not json`)

	pkgs, err := FindPackages(root)
	require.NoError(t, err)
	var names []string
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"root", "deep", "api"}, names)
}

func TestWardCommand(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, WardCommand(dir))

	writeManifest(t, dir, `{"scripts":{"lint":"eslint ."}}`)
	assert.Equal(t, DefaultWardCommand, WardCommand(dir))

	writeManifest(t, dir, `{"scripts":{"ward":"eslint . && tsc"}}`)
	assert.Equal(t, "npm run ward", WardCommand(dir))

	writeManifest(t, dir, `{"scripts":{"ward":"eslint .","ward:all":"eslint . && tsc && jest"}}`)
	assert.Equal(t, "npm run ward:all", WardCommand(dir))
}

func TestTestFramework(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "jest", TestFramework(dir))

	cases := map[string]string{
		`{"devDependencies":{"mocha":"^10.0.0"}}`:                  "mocha",
		`{"dependencies":{"vitest":"^1.0.0"}}`:                     "vitest",
		`{"devDependencies":{"playwright":"^1.0.0"}}`:              "playwright",
		`{"devDependencies":{"jest":"^29.0.0","vitest":"^1.0.0"}}`: "jest",
		`{"devDependencies":{"typescript":"^5.0.0"}}`:              "jest",
	}
	for manifest, want := range cases {
		writeManifest(t, dir, manifest)
		assert.Equal(t, want, TestFramework(dir), manifest)
	}
}

func TestDiscoveryRun(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "web"), `{"name":"web"}`)
	writeManifest(t, filepath.Join(root, "api"), `{"name":"api"}`)

	var calls []agent.Context
	d := Discovery{
		Repo: repo.Repo{Root: filepath.Join(root, "questmaestro")},
		Spawner: agent.SpawnerFunc(func(_ context.Context, agentType domain.AgentType, c agent.Context) (domain.AgentReport, error) {
			assert.Equal(t, domain.AgentVoidpoker, agentType)
			calls = append(calls, c)
			return domain.AgentReport{Status: domain.AgentStatusComplete, AgentType: agentType}, nil
		}),
		Log: zap.NewNop(),
		Now: func() time.Time { return time.Date(2024, 6, 1, 10, 30, 0, 123e6, time.UTC) },
	}

	reports, err := d.Run(context.Background(), root, "docs/standards")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Len(t, calls, 2)

	first := calls[0]
	assert.Equal(t, filepath.Join(root, "api"), first.WorkingDirectory)
	assert.Equal(t, DiscoveryFolder, first.QuestFolder)
	assert.Equal(t, "2024-06-01T10-30-00-123Z", first.ReportNumber)
	assert.Equal(t, filepath.Join(root, "questmaestro", "discovery", "voidpoker-2024-06-01T10-30-00-123Z-api-report.json"), first.ReportPath)
	assert.Equal(t, "docs/standards", first.AdditionalContext["userStandards"])
	assert.Equal(t, "Project Analysis", first.AdditionalContext["discoveryType"])
	assert.True(t, strings.HasSuffix(reports[1].ReportPath, "-web-report.json"))

	_, err = os.Stat(d.Repo.DiscoveryDir())
	assert.NoError(t, err)
}

func TestDiscoveryRunWithoutPackages(t *testing.T) {
	root := t.TempDir()
	d := Discovery{Repo: repo.Repo{Root: filepath.Join(root, "questmaestro")}}
	_, err := d.Run(context.Background(), root, "")
	assert.ErrorIs(t, err, ErrNoPackages)
}
