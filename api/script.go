package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pagespeed/injector"
	"pagespeed/model"
	"pagespeed/snippet"
)

func (h *Handler) registerScript(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "appInstalled",
		Method:        http.MethodPost,
		Path:          "/webhooks/app/installed",
		Summary:       "App installed webhook",
		Description:   "Injects the optimization script into the active theme in the background.",
		Tags:          []string{"Webhooks"},
		DefaultStatus: http.StatusOK,
	}, h.AppInstalled)

	huma.Register(api, huma.Operation{
		OperationID:   "appUninstalled",
		Method:        http.MethodPost,
		Path:          "/webhooks/app/uninstalled",
		Summary:       "App uninstalled webhook",
		Description:   "Removes the optimization script from the active theme in the background.",
		Tags:          []string{"Webhooks"},
		DefaultStatus: http.StatusOK,
	}, h.AppUninstalled)

	huma.Register(api, huma.Operation{
		OperationID: "getScript",
		Method:      http.MethodGet,
		Path:        "/api/script",
		Summary:     "Render the optimization script for the current settings",
		Tags:        []string{"Script"},
	}, h.GetScript)

	huma.Register(api, huma.Operation{
		OperationID: "getScriptStatus",
		Method:      http.MethodGet,
		Path:        "/api/script/status",
		Summary:     "Check whether the script is present in the active theme",
		Tags:        []string{"Script"},
	}, h.ScriptStatus)

	huma.Register(api, huma.Operation{
		OperationID: "installScript",
		Method:      http.MethodPost,
		Path:        "/api/script/install",
		Summary:     "Inject the script into the active theme",
		Tags:        []string{"Script"},
	}, h.InstallScript)

	huma.Register(api, huma.Operation{
		OperationID: "uninstallScript",
		Method:      http.MethodPost,
		Path:        "/api/script/uninstall",
		Summary:     "Remove the script from the active theme",
		Tags:        []string{"Script"},
	}, h.UninstallScript)
}

type WebhookInput struct {
	Shop string `query:"shop" doc:"Shop domain the event is for"`
}

type WebhookOutput struct{}

// AppInstalled always acknowledges the webhook. The outcome of the script
// injection only shows up in logs, audits and the event feed.
func (h *Handler) AppInstalled(ctx context.Context, input *WebhookInput) (*WebhookOutput, error) {
	h.logger.InfoContext(ctx, "app installed", slog.String("shop", input.Shop))
	if !h.acceptsShop(ctx, input.Shop) {
		return &WebhookOutput{}, nil
	}

	source, err := h.renderScript()
	if err != nil {
		h.logger.ErrorContext(ctx, "cannot render script, skipping injection", slog.String("error", err.Error()))
		return &WebhookOutput{}, nil
	}
	h.runBackground(ctx, func(ctx context.Context) injector.Result {
		return h.script.Install(ctx, source)
	})
	return &WebhookOutput{}, nil
}

// AppUninstalled always acknowledges the webhook.
func (h *Handler) AppUninstalled(ctx context.Context, input *WebhookInput) (*WebhookOutput, error) {
	h.logger.InfoContext(ctx, "app uninstalled", slog.String("shop", input.Shop))
	if !h.acceptsShop(ctx, input.Shop) {
		return &WebhookOutput{}, nil
	}

	h.runBackground(ctx, h.script.Uninstall)
	return &WebhookOutput{}, nil
}

// acceptsShop reports whether a webhook for shop can be acted on with the
// configured credentials.
func (h *Handler) acceptsShop(ctx context.Context, shop string) bool {
	if h.script == nil {
		h.logger.WarnContext(ctx, "no shop credentials configured, skipping script update")
		return false
	}
	if shop != "" && h.shop != "" && !strings.EqualFold(shop, h.shop) {
		h.logger.WarnContext(ctx, "webhook for a different shop, skipping script update",
			slog.String("shop", shop),
			slog.String("configured_shop", h.shop))
		return false
	}
	return true
}

// runBackground runs fn detached from the request so the webhook can be
// acknowledged right away.
func (h *Handler) runBackground(ctx context.Context, fn func(context.Context) injector.Result) {
	ctx = context.WithoutCancel(ctx)
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(ctx, h.scriptTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (h *Handler) renderScript() (string, error) {
	settings, err := h.store.LoadSettings()
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	return snippet.Render(settings)
}

type GetScriptInput struct{}

type GetScriptOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func (h *Handler) GetScript(ctx context.Context, input *GetScriptInput) (*GetScriptOutput, error) {
	source, err := h.renderScript()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to render script", err)
	}
	return &GetScriptOutput{
		ContentType: "application/javascript; charset=utf-8",
		Body:        []byte(source),
	}, nil
}

type ScriptInput struct{}

type ScriptOutput struct {
	Body model.AuditRecord
}

func (h *Handler) ScriptStatus(ctx context.Context, input *ScriptInput) (*ScriptOutput, error) {
	return h.runScript(ctx, injector.ActionStatus)
}

func (h *Handler) InstallScript(ctx context.Context, input *ScriptInput) (*ScriptOutput, error) {
	return h.runScript(ctx, injector.ActionInstall)
}

func (h *Handler) UninstallScript(ctx context.Context, input *ScriptInput) (*ScriptOutput, error) {
	return h.runScript(ctx, injector.ActionUninstall)
}

func (h *Handler) runScript(ctx context.Context, action injector.Action) (*ScriptOutput, error) {
	if h.script == nil {
		return nil, huma.Error503ServiceUnavailable("shop credentials are not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.scriptTimeout)
	defer cancel()

	var res injector.Result
	switch action {
	case injector.ActionInstall:
		source, err := h.renderScript()
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to render script", err)
		}
		res = h.script.Install(ctx, source)
	case injector.ActionUninstall:
		res = h.script.Uninstall(ctx)
	default:
		res = h.script.Status(ctx)
	}
	return &ScriptOutput{Body: res.Record(h.shop)}, nil
}
