package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagespeed/injector"
	"pagespeed/model"
	"pagespeed/storage"
	"pagespeed/theme"
)

type fakeRunner struct {
	mu         sync.Mutex
	installs   []string
	uninstalls int
	statuses   int
	result     injector.Result
}

func (f *fakeRunner) Install(_ context.Context, source string) injector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, source)
	res := f.result
	res.Action = injector.ActionInstall
	return res
}

func (f *fakeRunner) Uninstall(context.Context) injector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	res := f.result
	res.Action = injector.ActionUninstall
	return res
}

func (f *fakeRunner) Status(context.Context) injector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	res := f.result
	res.Action = injector.ActionStatus
	return res
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, *storage.Store, humatest.TestAPI) {
	t.Helper()
	store := storage.New(t.TempDir())
	require.NoError(t, store.EnsureDirs())

	h := NewHandler(store, discardLogger())
	_, api := humatest.New(t)
	h.Register(api)
	return h, store, api
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v), resp.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	_, _, api := newTestHandler(t)

	resp := api.Get("/health")

	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Page Speed Optimizer App is running", body["message"])
}

func TestSpeedSettings(t *testing.T) {
	_, store, api := newTestHandler(t)

	resp := api.Get("/api/speed-settings")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.DefaultSettings(), decode[model.Settings](t, resp))

	updated := model.DefaultSettings()
	updated.ImageQuality = 65
	updated.MinifyJS = false
	resp = api.Post("/api/speed-settings", map[string]any{"settings": updated})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Settings saved successfully", body["message"])

	saved, err := store.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, updated, saved)

	resp = api.Get("/api/speed-settings")
	assert.Equal(t, updated, decode[model.Settings](t, resp))
}

func TestSpeedSettings_Partial(t *testing.T) {
	_, store, api := newTestHandler(t)

	resp := api.Post("/api/speed-settings", map[string]any{"settings": map[string]any{"imageQuality": 50}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = api.Post("/api/speed-settings", map[string]any{"settings": map[string]any{"minifyJS": false}})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	want := model.DefaultSettings()
	want.ImageQuality = 50
	want.MinifyJS = false
	saved, err := store.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, want, saved)

	resp = api.Post("/api/speed-settings", map[string]any{"settings": map[string]any{"imageQuality": 101}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestSpeedSettings_Invalid(t *testing.T) {
	_, store, api := newTestHandler(t)

	bad := model.DefaultSettings()
	bad.ImageQuality = 0
	resp := api.Post("/api/speed-settings", map[string]any{"settings": bad})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	bad = model.DefaultSettings()
	bad.CacheExpiration = -1
	resp = api.Post("/api/speed-settings", map[string]any{"settings": bad})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	saved, err := store.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSettings(), saved)
}

func TestAnalyzePage(t *testing.T) {
	_, _, api := newTestHandler(t)

	resp := api.Post("/api/analyze-page", map[string]any{"url": "https://demo.myshopify.com/"})

	require.Equal(t, http.StatusOK, resp.Code)
	report := decode[model.PageReport](t, resp)
	assert.Equal(t, "https://demo.myshopify.com/", report.URL)
	assert.Equal(t, 85, report.Score.Performance)
	assert.Equal(t, "2.4s", report.Metrics.LargestContentfulPaint)
	assert.Len(t, report.Suggestions, 6)
}

func TestMetrics(t *testing.T) {
	h, _, api := newTestHandler(t)
	h.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	resp := api.Get("/api/metrics")

	require.Equal(t, http.StatusOK, resp.Code)
	m := decode[model.Metrics](t, resp)
	assert.Equal(t, "2.1s", m.AveragePageLoadTime)
	assert.Equal(t, "2.5 MB", m.AveragePageSize)
	assert.Equal(t, 45, m.AverageRequestCount)
	assert.Equal(t, 82, m.Performance)
	assert.Equal(t, "2024-05-01T12:00:00Z", m.LastUpdated)
}

func TestPreviewOptimization(t *testing.T) {
	_, _, api := newTestHandler(t)

	resp := api.Post("/api/optimize/preview", map[string]any{
		"html": `<html><body><img src="/a.png"></body></html>`,
	})

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode[struct {
		HTML  string         `json:"html"`
		Stats map[string]int `json:"stats"`
	}](t, resp)
	assert.Contains(t, body.HTML, `loading="lazy"`)
	assert.Equal(t, 1, body.Stats["lazyLoaded"])
}

func TestGetScript(t *testing.T) {
	_, _, api := newTestHandler(t)

	resp := api.Get("/api/script")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "application/javascript"))
	assert.Contains(t, resp.Body.String(), `"imageQuality":80`)
}

func TestScriptEndpoints_NotConfigured(t *testing.T) {
	_, _, api := newTestHandler(t)

	assert.Equal(t, http.StatusServiceUnavailable, api.Get("/api/script/status").Code)
	assert.Equal(t, http.StatusServiceUnavailable, api.Post("/api/script/install").Code)
	assert.Equal(t, http.StatusServiceUnavailable, api.Post("/api/script/uninstall").Code)
}

func TestScriptEndpoints(t *testing.T) {
	h, _, api := newTestHandler(t)
	runner := &fakeRunner{result: injector.Result{Outcome: injector.OutcomeInstalled, ThemeID: "2", Blocks: 1}}
	h.WithScript(runner, "demo.myshopify.com")

	resp := api.Post("/api/script/install")
	require.Equal(t, http.StatusOK, resp.Code)
	rec := decode[model.AuditRecord](t, resp)
	assert.Equal(t, "install", rec.Action)
	assert.Equal(t, "installed", rec.Outcome)
	assert.True(t, rec.OK)
	assert.Equal(t, "demo.myshopify.com", rec.Shop)
	require.Len(t, runner.installs, 1)
	assert.Contains(t, runner.installs[0], "imageQuality")

	resp = api.Get("/api/script/status")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "status", decode[model.AuditRecord](t, resp).Action)

	runner.result = injector.Result{Outcome: injector.OutcomeFailed, Err: errors.New("boom")}
	resp = api.Post("/api/script/uninstall")
	require.Equal(t, http.StatusOK, resp.Code)
	rec = decode[model.AuditRecord](t, resp)
	assert.False(t, rec.OK)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, 1, runner.uninstalls)
}

func TestWebhooks(t *testing.T) {
	h, _, api := newTestHandler(t)
	runner := &fakeRunner{result: injector.Result{Outcome: injector.OutcomeFailed, Err: errors.New("unauthorized")}}
	h.WithScript(runner, "demo.myshopify.com")

	resp := api.Post("/webhooks/app/installed?shop=demo.myshopify.com")
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = api.Post("/webhooks/app/uninstalled?shop=demo.myshopify.com")
	assert.Equal(t, http.StatusOK, resp.Code)
	h.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.installs, 1)
	assert.Equal(t, 1, runner.uninstalls)
}

func TestWebhooks_SkipsOtherShopAndMissingCredentials(t *testing.T) {
	h, _, api := newTestHandler(t)

	assert.Equal(t, http.StatusOK, api.Post("/webhooks/app/installed?shop=demo.myshopify.com").Code)

	runner := &fakeRunner{}
	h.WithScript(runner, "demo.myshopify.com")
	assert.Equal(t, http.StatusOK, api.Post("/webhooks/app/installed?shop=other.myshopify.com").Code)
	h.Wait()

	assert.Empty(t, runner.installs)
}

func TestWebhookInstalled_AdminAPIFailure(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":"[API] Invalid API key or access token"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(admin.Close)

	h, store, api := newTestHandler(t)
	client, err := theme.NewClient(theme.ClientConfig{
		ShopDomain:  "demo.myshopify.com",
		BaseURL:     admin.URL,
		AccessToken: "shpat_test_token",
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	inj := injector.New(client, injector.Options{
		Shop:     "demo.myshopify.com",
		Logger:   discardLogger(),
		Recorder: store,
	})
	h.WithScript(inj, "demo.myshopify.com").WithScriptTimeout(5 * time.Second)

	resp := api.Post("/webhooks/app/installed?shop=demo.myshopify.com")
	assert.Equal(t, http.StatusOK, resp.Code)
	h.Wait()

	records, err := store.ListAudits(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "install", records[0].Action)
	assert.Equal(t, "failed", records[0].Outcome)
	assert.False(t, records[0].OK)
	assert.Contains(t, records[0].Error, "401")
}

func TestListAudits(t *testing.T) {
	h, store, api := newTestHandler(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for _, ts := range []time.Time{now.Add(-40 * 24 * time.Hour), now.Add(-2 * time.Hour), now.Add(-time.Hour)} {
		require.NoError(t, store.SaveAudit(&model.AuditRecord{Timestamp: ts, Action: "status", Outcome: "absent", OK: true}))
	}

	resp := api.Get("/api/audits")
	require.Equal(t, http.StatusOK, resp.Code)
	records := decode[[]model.AuditRecord](t, resp)
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.Before(records[1].Timestamp))

	resp = api.Get("/api/audits?from=2024-01-01T00:00:00Z&to=2024-05-01T10:30:00Z")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]model.AuditRecord](t, resp), 2)

	assert.Equal(t, http.StatusBadRequest, api.Get("/api/audits?from=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, api.Get("/api/audits?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z").Code)
}

func TestPublish_EncodeFailure(t *testing.T) {
	var buf strings.Builder
	hub := NewEventHub(discardLogger())
	h := NewHandler(storage.New(t.TempDir()), slog.New(slog.NewTextHandler(&buf, nil))).WithEvents(hub)

	h.publish(context.Background(), model.EventSettings, make(chan int))

	assert.Contains(t, buf.String(), "failed to encode event")
	assert.Equal(t, 0, hub.Len())
}
