package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questmaestro/internal/config"
	"questmaestro/internal/db"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/migrate"
	"questmaestro/internal/repo"
)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(repo.Repo{Root: cfg.RootDir(workspace), DB: conn}, cfg, zap.NewNop())
	require.NoError(t, e.Repo.EnsureLayout())

	handler, err := New(Config{Engine: e, Workspace: workspace, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e}
}

func (s *testServer) createQuest(t *testing.T, title string, specs ...domain.TaskSpec) domain.Quest {
	t.Helper()
	q, err := s.Engine.CreateNewQuest(context.Background(), title, "users need "+title)
	require.NoError(t, err)
	if len(specs) > 0 {
		q, err = s.Engine.AddTasks(context.Background(), q.Folder, specs)
		require.NoError(t, err)
	}
	return q
}

func getJSON(t *testing.T, url, token string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return res
}

func spec(id string, deps ...string) domain.TaskSpec {
	return domain.TaskSpec{ID: id, Name: id, Type: domain.TaskTypeImplementation, Description: id, Dependencies: deps}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	var body map[string]string
	res := getJSON(t, s.URL+"/v0/health", "", &body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
}

func TestListAndGetQuests(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	q := s.createQuest(t, "Add Login")

	var list paginatedQuests
	res := getJSON(t, s.URL+"/v0/quests", "", &list)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, list.Items, 1)
	assert.Equal(t, q.Folder, list.Items[0].Folder)

	var done paginatedQuests
	getJSON(t, s.URL+"/v0/quests?state=completed", "", &done)
	assert.Empty(t, done.Items)

	var got QuestResponse
	res = getJSON(t, s.URL+"/v0/quests/add-login", "", &got)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, "Add Login", got.Quest.Title)
}

func TestMissingQuestIsNotFound(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	res := getJSON(t, s.URL+"/v0/quests/ghost", "", &body)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", body.Error.Code)
}

func TestNextTasksAndPhase(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	q := s.createQuest(t, "Add Login", spec("api"), spec("ui", "api"))

	var next taskList
	res := getJSON(t, s.URL+"/v0/quests/"+q.Folder+"/next-tasks", "", &next)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "api", next.Items[0].ID)

	var phase PhaseResponse
	res = getJSON(t, s.URL+"/v0/quests/"+q.Folder+"/phase", "", &phase)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.PhaseDiscovery, phase.CurrentPhase)
	assert.False(t, phase.QuestComplete)
	assert.False(t, phase.Freshness.IsStale)
}

func TestVerifyByID(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.createQuest(t, "Add Login")

	var body struct {
		QuestID string `json:"questId"`
		Checks  []struct {
			Name string `json:"name"`
		} `json:"checks"`
	}
	res := getJSON(t, s.URL+"/v0/quests/by-id/add-login/verify", "", &body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "add-login", body.QuestID)
	assert.NotEmpty(t, body.Checks)

	res = getJSON(t, s.URL+"/v0/quests/by-id/ghost/verify", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventsPaginate(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.createQuest(t, "First")
	s.createQuest(t, "Second")

	var page paginatedEvents
	res := getJSON(t, s.URL+"/v0/events?type=quest.created&limit=1", "", &page)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "second", page.Items[0].EntityID)
	assert.Equal(t, "Second", page.Items[0].Payload["title"])
	require.NotEmpty(t, page.NextCursor)

	var rest paginatedEvents
	getJSON(t, s.URL+"/v0/events?type=quest.created&limit=1&cursor="+page.NextCursor, "", &rest)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "first", rest.Items[0].EntityID)
	assert.Empty(t, rest.NextCursor)

	res = getJSON(t, s.URL+"/v0/events?cursor=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	res := getJSON(t, s.URL+"/v0/quests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	bad, err := SignToken("other", "ci", time.Hour)
	require.NoError(t, err)
	res = getJSON(t, s.URL+"/v0/quests", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	good, err := SignToken("s3cret", "ci", time.Hour)
	require.NoError(t, err)
	res = getJSON(t, s.URL+"/v0/quests", good, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err = SignToken("s3cret", "", 0)
	assert.Error(t, err)
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	s := newTestServer(t, AuthConfig{})

	var mu sync.Mutex
	var got []webhookEvent
	var signatures []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(data, &evt)
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get(SignatureHeader))
		mu.Unlock()
		assert.Equal(t, Sign("hook-secret", data), r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	s.createQuest(t, "Before")
	d := &WebhookDispatcher{
		Repo:  s.Engine.Repo,
		Hooks: []config.WebhookConfig{{URL: hook.URL, Secret: "hook-secret", Events: []string{"quest.created"}}},
	}
	ctx := context.Background()
	d.DispatchAll(ctx)
	s.createQuest(t, "After")
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "quest.created", got[0].Type)
	assert.Equal(t, "after", got[0].EntityID)
	assert.Contains(t, signatures[0], "sha256=")
}

func TestWebhookSkipsDisabledHooks(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer hook.Close()

	off := false
	d := &WebhookDispatcher{Repo: s.Engine.Repo, Hooks: []config.WebhookConfig{{URL: hook.URL, Enabled: &off}}}
	d.DispatchAll(context.Background())
	s.createQuest(t, "Quiet")
	d.DispatchAll(context.Background())
	assert.Zero(t, calls)
}
