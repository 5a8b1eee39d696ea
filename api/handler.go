package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"pagespeed/injector"
	"pagespeed/model"
	"pagespeed/optimize"
	"pagespeed/snippet"
	"pagespeed/storage"
)

const defaultAuditWindow = 30 * 24 * time.Hour

// ScriptRunner is the orchestration the script endpoints and webhooks drive.
type ScriptRunner interface {
	Install(ctx context.Context, source string) injector.Result
	Uninstall(ctx context.Context) injector.Result
	Status(ctx context.Context) injector.Result
}

// Handler implements every operation of the API. Script operations answer
// 503 until a runner is attached with WithScript.
type Handler struct {
	store         *storage.Store
	script        ScriptRunner
	shop          string
	events        *EventHub
	logger        *slog.Logger
	scriptTimeout time.Duration
	now           func() time.Time

	background sync.WaitGroup
}

func NewHandler(store *storage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:         store,
		logger:        logger,
		scriptTimeout: time.Minute,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithScript attaches the runner for shop.
func (h *Handler) WithScript(runner ScriptRunner, shop string) *Handler {
	h.script = runner
	h.shop = shop
	return h
}

func (h *Handler) WithEvents(hub *EventHub) *Handler {
	h.events = hub
	return h
}

// WithScriptTimeout bounds script runs started by webhooks and the script
// endpoints.
func (h *Handler) WithScriptTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.scriptTimeout = d
	}
	return h
}

// Wait blocks until background script runs have finished.
func (h *Handler) Wait() {
	h.background.Wait()
}

func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getSpeedSettings",
		Method:      http.MethodGet,
		Path:        "/api/speed-settings",
		Summary:     "Get optimization settings",
		Tags:        []string{"Settings"},
	}, h.GetSettings)

	huma.Register(api, huma.Operation{
		OperationID: "saveSpeedSettings",
		Method:      http.MethodPost,
		Path:        "/api/speed-settings",
		Summary:     "Save optimization settings",
		Tags:        []string{"Settings"},
	}, h.SaveSettings)

	huma.Register(api, huma.Operation{
		OperationID: "analyzePage",
		Method:      http.MethodPost,
		Path:        "/api/analyze-page",
		Summary:     "Analyze a storefront page",
		Tags:        []string{"Reports"},
	}, h.AnalyzePage)

	huma.Register(api, huma.Operation{
		OperationID: "getMetrics",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Get storefront speed metrics",
		Tags:        []string{"Reports"},
	}, h.GetMetrics)

	huma.Register(api, huma.Operation{
		OperationID: "previewOptimization",
		Method:      http.MethodPost,
		Path:        "/api/optimize/preview",
		Summary:     "Apply the optimizations to an HTML document",
		Tags:        []string{"Reports"},
	}, h.PreviewOptimization)

	huma.Register(api, huma.Operation{
		OperationID: "listAudits",
		Method:      http.MethodGet,
		Path:        "/api/audits",
		Summary:     "List script audit records",
		Tags:        []string{"Script"},
	}, h.ListAudits)

	h.registerScript(api)
}

// RegisterEvents mounts the websocket event feed.
func (h *Handler) RegisterEvents(router chi.Router) {
	if h.events != nil {
		router.Get("/ws", h.events.ServeHTTP)
	}
}

type HealthInput struct{}

type HealthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
}

func (h *Handler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	resp := &HealthOutput{}
	resp.Body.Status = "ok"
	resp.Body.Message = "Page Speed Optimizer App is running"
	return resp, nil
}

type GetSettingsInput struct{}

type GetSettingsOutput struct {
	Body model.Settings
}

func (h *Handler) GetSettings(ctx context.Context, input *GetSettingsInput) (*GetSettingsOutput, error) {
	settings, err := h.store.LoadSettings()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get settings", err)
	}
	return &GetSettingsOutput{Body: settings}, nil
}

type SaveSettingsInput struct {
	Body struct {
		Settings model.SettingsPatch `json:"settings" doc:"Fields to change; omitted fields keep their saved value"`
	}
}

type SaveSettingsOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
}

func (h *Handler) SaveSettings(ctx context.Context, input *SaveSettingsInput) (*SaveSettingsOutput, error) {
	current, err := h.store.LoadSettings()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to update settings", err)
	}
	settings := input.Body.Settings.Apply(current)
	if err := snippet.Validate(settings); err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid settings", err)
	}
	if err := h.store.SaveSettings(settings); err != nil {
		return nil, huma.Error500InternalServerError("Failed to update settings", err)
	}
	h.logger.InfoContext(ctx, "settings updated", slog.Any("settings", settings))
	h.publish(ctx, model.EventSettings, settings)

	resp := &SaveSettingsOutput{}
	resp.Body.Success = true
	resp.Body.Message = "Settings saved successfully"
	return resp, nil
}

type AnalyzePageInput struct {
	Body struct {
		URL string `json:"url" doc:"Storefront page to analyze"`
	}
}

type AnalyzePageOutput struct {
	Body model.PageReport
}

// AnalyzePage returns a fixed sample report; no page is fetched.
func (h *Handler) AnalyzePage(ctx context.Context, input *AnalyzePageInput) (*AnalyzePageOutput, error) {
	return &AnalyzePageOutput{Body: model.PageReport{
		URL: input.Body.URL,
		Score: model.Scores{
			Performance:   85,
			Accessibility: 90,
			SEO:           100,
			BestPractices: 92,
		},
		Metrics: model.PageMetrics{
			FirstContentfulPaint:   "1.2s",
			LargestContentfulPaint: "2.4s",
			CumulativeLayoutShift:  "0.05",
			TimeToFirstByte:        "0.3s",
		},
		Suggestions: []string{
			"Optimize images - Use WebP format and serve responsive images",
			"Enable browser caching - Set Cache-Control headers",
			"Minify CSS and JavaScript files",
			"Defer non-critical CSS",
			"Use a CDN for faster asset delivery",
			"Implement lazy loading for images",
		},
	}}, nil
}

type GetMetricsInput struct{}

type GetMetricsOutput struct {
	Body model.Metrics
}

// sampleAveragePageSize backs the fixed metrics until real measurement
// exists.
const sampleAveragePageSize = 2_500_000

func (h *Handler) GetMetrics(ctx context.Context, input *GetMetricsInput) (*GetMetricsOutput, error) {
	return &GetMetricsOutput{Body: model.Metrics{
		AveragePageLoadTime: "2.1s",
		AveragePageSize:     humanize.Bytes(sampleAveragePageSize),
		AverageRequestCount: 45,
		Performance:         82,
		LastUpdated:         h.now().Format(time.RFC3339),
	}}, nil
}

type PreviewInput struct {
	Body struct {
		HTML string `json:"html" minLength:"1" doc:"Document to optimize"`
	}
}

type PreviewOutput struct {
	Body struct {
		HTML  string         `json:"html"`
		Stats optimize.Stats `json:"stats"`
	}
}

func (h *Handler) PreviewOptimization(ctx context.Context, input *PreviewInput) (*PreviewOutput, error) {
	settings, err := h.store.LoadSettings()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get settings", err)
	}
	out, stats, err := optimize.Document(input.Body.HTML, settings)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid html", err)
	}

	resp := &PreviewOutput{}
	resp.Body.HTML = out
	resp.Body.Stats = stats
	return resp, nil
}

type ListAuditsInput struct {
	From string `query:"from" doc:"RFC3339 lower bound, defaults to 30 days before 'to'"`
	To   string `query:"to" doc:"RFC3339 upper bound, defaults to now"`
}

type ListAuditsOutput struct {
	Body []model.AuditRecord
}

func (h *Handler) ListAudits(ctx context.Context, input *ListAuditsInput) (*ListAuditsOutput, error) {
	to := h.now()
	if input.To != "" {
		t, err := time.Parse(time.RFC3339, input.To)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid 'to' timestamp", err)
		}
		to = t
	}
	from := to.Add(-defaultAuditWindow)
	if input.From != "" {
		t, err := time.Parse(time.RFC3339, input.From)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid 'from' timestamp", err)
		}
		from = t
	}
	if from.After(to) {
		return nil, huma.Error400BadRequest("'from' is after 'to'")
	}

	records, err := h.store.ListAudits(from, to)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list audits", err)
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	return &ListAuditsOutput{Body: records}, nil
}

func (h *Handler) publish(ctx context.Context, typ model.EventType, v any) {
	if h.events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to encode event", slog.String("error", err.Error()))
		return
	}
	h.events.Publish(model.Event{Type: typ, Time: h.now(), Data: data})
}
