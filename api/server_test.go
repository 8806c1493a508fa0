package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_intel/config"
	"market_intel/models"
	"market_intel/realtime"
	"market_intel/scraper"
	"market_intel/services"
	"market_intel/storage"
)

type queuedSubstrate struct {
	mu       sync.Mutex
	launched []string
}

func (s *queuedSubstrate) Name() string { return "queued" }

func (s *queuedSubstrate) Launch(_ context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = append(s.launched, job.ID)
	return nil
}

func (s *queuedSubstrate) Launched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.launched...)
}

type testEnv struct {
	store     *storage.MemoryStore
	hub       *realtime.Hub
	substrate *queuedSubstrate
	srv       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	hub := realtime.NewHub(0, nil)
	substrate := &queuedSubstrate{}

	registry := scraper.NewRegistry()
	for _, id := range []string{"realtor_ca", "kijiji"} {
		registry.Register(&config.PlatformConfig{ID: id, Strategy: "api", BaseURL: "https://" + id + ".example.com"}, nil)
	}

	dispatcher := scraper.NewDispatcher(store, substrate, hub)
	reporter := services.NewReporter(store, 5)
	srv := httptest.NewServer(New(dispatcher, reporter, hub, store, registry).Routes())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	require.NoError(t, store.SaveOrgConfig(context.Background(), &models.OrgScrapeConfig{
		OrgID:     "org-1",
		Enabled:   true,
		Platforms: []string{"realtor_ca", "kijiji"},
		MaxPages:  3,
	}))
	return &testEnv{store: store, hub: hub, substrate: substrate, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSubmit_AcceptsThenConflicts(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, []any{"realtor_ca", "kijiji"}, body["platforms"])
	assert.Equal(t, []string{jobID}, env.substrate.Launched())

	code, body = env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", `{"platforms":["kijiji"]}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, jobID, body["jobId"])
	assert.NotEmpty(t, body["error"])
}

func TestSubmit_ConfigErrors(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/api/orgs/org-unknown/scrape", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", `{"platforms":["zolo"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", `{"platforms":`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Empty(t, env.substrate.Launched())
}

func TestGetJob_ProgressReport(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", `{"platforms":["kijiji"]}`)
	jobID := body["jobId"].(string)

	code, report := env.do(t, http.MethodGet, "/api/scrape/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, jobID, report["jobId"])
	assert.Equal(t, string(models.JobStatusPending), report["status"])
	summary := report["summary"].(map[string]any)
	assert.Equal(t, float64(0), summary["totalAnalyzed"])
	assert.Equal(t, []any{}, summary["uniqueErrors"])
	assert.Contains(t, report["progress"], "kijiji")

	code, _ = env.do(t, http.MethodGet, "/api/scrape/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", "")
	jobID := body["jobId"].(string)

	code, body := env.do(t, http.MethodDelete, "/api/scrape/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "Cancelled by user", job.ErrorMessage)

	code, body = env.do(t, http.MethodDelete, "/api/scrape/jobs/"+jobID, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])

	code, _ = env.do(t, http.MethodDelete, "/api/scrape/jobs/missing", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", "")
	assert.Equal(t, http.StatusAccepted, code, "a cancelled job frees the tenant")
}

func TestStatus_WithoutActiveJob(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/orgs/org-1/scrape/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["activeJob"])
	assert.Nil(t, body["latestJob"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, "org-1", cfg["org_id"])
}

func TestSaveConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpdateOrgRunStatus(ctx, "org-1", models.RunStatusFailed, 2, nil, nil))

	code, body := env.do(t, http.MethodPut, "/api/orgs/org-1/scrape/config",
		`{"enabled":true,"platforms":["kijiji"],"max_pages":5,"schedule":"0 6 * * *","failure_threshold":0.5}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotNil(t, body["next_run_at"])

	cfg, err := env.store.GetOrgConfig(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"kijiji"}, cfg.Platforms)
	assert.Equal(t, 5, cfg.MaxPages)
	assert.Equal(t, 2, cfg.ConsecutiveFailures, "run bookkeeping is kept")
	assert.Equal(t, models.RunStatusFailed, cfg.RunStatus)

	code, _ = env.do(t, http.MethodPut, "/api/orgs/org-1/scrape/config", `{"enabled":true,"platforms":["kijiji"],"max_pages":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = env.do(t, http.MethodPut, "/api/orgs/org-1/scrape/config", `{"enabled":true,"platforms":["nope"],"max_pages":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = env.do(t, http.MethodPut, "/api/orgs/org-1/scrape/config", `{"enabled":true,"platforms":["kijiji"],"max_pages":2,"schedule":"whenever"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestStream_ReceivesTenantEvents(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/orgs/org-1/scrape/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers("org-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	code, body := env.do(t, http.MethodPost, "/api/orgs/org-1/scrape", "")
	require.Equal(t, http.StatusAccepted, code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventJobStatus, ev.Type)
	assert.Equal(t, body["jobId"], ev.JobID)
	assert.Equal(t, models.JobStatusPending, ev.Status)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
