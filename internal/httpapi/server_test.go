package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/registry"
	"github.com/nextlevelbuilder/metabot/internal/scheduler"
)

func newTestServer(t *testing.T, secret string, rpm int) *Server {
	t.Helper()
	sched := scheduler.New(
		filepath.Join(t.TempDir(), "tasks.json"), "UTC",
		scheduler.RunnerFunc(func(context.Context, scheduler.Task) error { return nil }),
		nil, metrics.NewDefaultRegistry(), nil,
	)
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.Close)

	auditLog, err := audit.Open("")
	if err != nil {
		t.Fatal(err)
	}

	return New(registry.New(), sched, costs.NewTracker(),
		metrics.NewDefaultRegistry(), auditLog, nil, secret, rpm)
}

func botConfig(name string) *config.BotConfig {
	return &config.BotConfig{
		Name: name, Platform: "telegram", Token: "t",
		DefaultWorkingDirectory: "/w",
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:12345"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, "s3cret", 0).Handler()

	if rec := doRequest(t, h, "GET", "/api/health", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/api/health", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/api/health", "s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("right token: %d", rec.Code)
	}
}

func TestNoSecretDisablesAuth(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	if rec := doRequest(t, h, "GET", "/api/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestHealthShape(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	rec := doRequest(t, h, "GET", "/api/health", "", "")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["uptime"]; !ok {
		t.Fatalf("uptime missing: %v", body)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestServer(t, "", 0)
	// Schedule endpoints check the bot exists.
	if err := s.registry.Register(&registry.Bot{
		Config: botConfig("b1"),
	}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	rec := doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"later","delaySeconds":3600}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var task scheduler.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}

	rec = doRequest(t, h, "GET", "/api/schedule", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), task.ID) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}

	later := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	rec = doRequest(t, h, "PATCH", "/api/schedule/"+task.ID, "",
		`{"prompt":"changed","executeAt":"`+later+`"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "changed") {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}

	if rec = doRequest(t, h, "DELETE", "/api/schedule/"+task.ID, "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec = doRequest(t, h, "DELETE", "/api/schedule/"+task.ID, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: %d", rec.Code)
	}
}

func TestRecurringLifecycle(t *testing.T) {
	s := newTestServer(t, "", 0)
	if err := s.registry.Register(&registry.Bot{Config: botConfig("b1")}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	rec := doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"daily","cronExpr":"0 9 * * *","timezone":"UTC"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var recurring scheduler.RecurringTask
	if err := json.Unmarshal(rec.Body.Bytes(), &recurring); err != nil {
		t.Fatal(err)
	}

	if rec = doRequest(t, h, "POST", "/api/schedule/"+recurring.ID+"/pause", "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("pause: %d", rec.Code)
	}
	if rec = doRequest(t, h, "POST", "/api/schedule/"+recurring.ID+"/resume", "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("resume: %d", rec.Code)
	}

	// The legacy field name still works.
	rec = doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"p","cron":"0 10 * * *"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("legacy cron field: %d %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"p","cronExpr":"not-cron"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cron: %d", rec.Code)
	}
}

func TestBadJSON(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	rec := doRequest(t, h, "POST", "/api/tasks", "", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestOversizedBody(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	big := `{"prompt":"` + strings.Repeat("x", maxBodyBytes+10) + `"}`
	rec := doRequest(t, h, "POST", "/api/tasks", "", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRunTaskUnknownBot(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	rec := doRequest(t, h, "POST", "/api/tasks", "",
		`{"botName":"ghost","chatId":"c","prompt":"p"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "", 0)
	s.metrics.IncCounter(metrics.TasksTotal, 1, nil)
	rec := doRequest(t, s.Handler(), "GET", "/api/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "metabot_tasks_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, "", 1).Handler() // 1 rpm, burst 1

	if rec := doRequest(t, h, "GET", "/api/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/api/health", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", rec.Code)
	}
}

func TestBotCRUDDisabled(t *testing.T) {
	h := newTestServer(t, "", 0).Handler()
	rec := doRequest(t, h, "POST", "/api/bots", "",
		`{"name":"x","platform":"telegram","token":"t","defaultWorkingDirectory":"/w"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create: %d", rec.Code)
	}
	if rec := doRequest(t, h, "DELETE", "/api/bots/x", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("delete: %d", rec.Code)
	}
}

// fakeBotMgr records mutations without starting real bots.
type fakeBotMgr struct {
	added   []string
	removed []string
}

func (m *fakeBotMgr) AddBot(cfg config.BotConfig) error {
	m.added = append(m.added, cfg.Name)
	return nil
}

func (m *fakeBotMgr) RemoveBot(name string) error {
	m.removed = append(m.removed, name)
	return nil
}

func TestDeleteLastBotRefused(t *testing.T) {
	s := newTestServer(t, "", 0)
	mgr := &fakeBotMgr{}
	s.botMgr = mgr
	if err := s.registry.Register(&registry.Bot{Config: botConfig("only")}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	if rec := doRequest(t, h, "DELETE", "/api/bots/only", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("last bot delete: %d", rec.Code)
	}
	if len(mgr.removed) != 0 {
		t.Fatal("last bot must not be removed")
	}

	if err := s.registry.Register(&registry.Bot{Config: botConfig("second")}); err != nil {
		t.Fatal(err)
	}
	if rec := doRequest(t, h, "DELETE", "/api/bots/second", "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete with two bots: %d", rec.Code)
	}
}

func TestScheduleZeroDelay(t *testing.T) {
	s := newTestServer(t, "", 0)
	if err := s.registry.Register(&registry.Bot{Config: botConfig("b1")}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	rec := doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"now","delaySeconds":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("zero delay: %d %s", rec.Code, rec.Body)
	}
}

func TestScheduleCarriesLabelAndSendCards(t *testing.T) {
	s := newTestServer(t, "", 0)
	if err := s.registry.Register(&registry.Bot{Config: botConfig("b1")}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	rec := doRequest(t, h, "POST", "/api/schedule", "",
		`{"botName":"b1","chatId":"c1","prompt":"p","delaySeconds":3600,"sendCards":false,"label":"digest"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var task scheduler.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.Label != "digest" || task.SendCards {
		t.Fatalf("task = %+v", task)
	}

	got, ok := s.scheduler.GetTask(task.ID)
	if !ok || got.Label != "digest" || got.SendCards {
		t.Fatalf("stored task = %+v", got)
	}
}

func TestBotListCarriesWorkingDirectory(t *testing.T) {
	s := newTestServer(t, "", 0)
	cfg := botConfig("b1")
	cfg.AllowedTools = []string{"Bash", "Read"}
	if err := s.registry.Register(&registry.Bot{Config: cfg}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s.Handler(), "GET", "/api/bots", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"workingDirectory":"/w"`) || !strings.Contains(body, `"allowedTools":["Bash","Read"]`) {
		t.Fatalf("bot DTO incomplete: %s", body)
	}
}
