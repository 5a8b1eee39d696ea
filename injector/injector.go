// Package injector installs and removes the optimization script in a shop's
// layout template. Each call makes sequential Admin API round-trips and
// reports its outcome as a Result instead of an error, so lifecycle webhooks
// never fail because of it.
//
// Concurrent runs for the same shop are not coordinated: the asset has no
// version to compare against, so two interleaved runs can lose an update.
package injector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagespeed/logging"
	"pagespeed/model"
	"pagespeed/theme"
)

// AssetClient is the part of *theme.Client the injector needs.
type AssetClient interface {
	ActiveThemeID(ctx context.Context) (string, error)
	GetAsset(ctx context.Context, themeID, key string) (string, error)
	PutAsset(ctx context.Context, themeID, key, value string) (bool, error)
}

// Recorder persists the outcome of every run.
type Recorder interface {
	SaveAudit(rec *model.AuditRecord) error
}

// Publisher fans run outcomes out to live subscribers.
type Publisher interface {
	Publish(ev model.Event)
}

type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
	ActionStatus    Action = "status"
)

type Outcome string

const (
	OutcomeInstalled   Outcome = "installed"
	OutcomeReinstalled Outcome = "reinstalled"
	OutcomeNoAnchor    Outcome = "no_anchor"
	OutcomeMalformed   Outcome = "malformed_block"
	OutcomeRemoved     Outcome = "removed"
	OutcomeNotPresent  Outcome = "not_present"
	OutcomePresent     Outcome = "present"
	OutcomeAbsent      Outcome = "absent"
	OutcomeFailed      Outcome = "failed"
)

// Result describes one run. Blocks is the number of injected blocks left in
// the layout afterwards (or found, for status); Removed is how many an
// uninstall deleted.
type Result struct {
	Action    Action
	Outcome   Outcome
	ThemeID   string
	Placement theme.Placement
	Blocks    int
	Removed   int
	Err       error
	Time      time.Time
}

// OK reports whether the run did what was asked.
func (r Result) OK() bool {
	return r.Err == nil
}

// Record converts r into its persisted form.
func (r Result) Record(shop string) model.AuditRecord {
	rec := model.AuditRecord{
		Timestamp: r.Time,
		Shop:      shop,
		Action:    string(r.Action),
		Outcome:   string(r.Outcome),
		OK:        r.OK(),
		ThemeID:   r.ThemeID,
		Placement: string(r.Placement),
		Blocks:    r.Blocks,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

type Options struct {
	Shop      string
	Logger    *slog.Logger
	Recorder  Recorder
	Publisher Publisher
}

type Injector struct {
	client    AssetClient
	shop      string
	logger    *slog.Logger
	recorder  Recorder
	publisher Publisher
	now       func() time.Time
}

func New(client AssetClient, opts Options) *Injector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithShop(logging.WithComponent(logger, "injector"), opts.Shop)

	return &Injector{
		client:    client,
		shop:      opts.Shop,
		logger:    logger,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Install injects source into the active theme's layout, replacing any
// block a previous install left behind. A layout without </head> or </body>
// yields OutcomeNoAnchor, and one with stray or edited markers yields
// OutcomeMalformed. Neither is written.
func (in *Injector) Install(ctx context.Context, source string) (res Result) {
	res = Result{Action: ActionInstall, Placement: theme.PlacementNone}
	defer func() { in.finish(ctx, &res) }()

	themeID, text, err := in.load(ctx)
	res.ThemeID = themeID
	if err != nil {
		res.fail(err)
		return res
	}
	in.logger.InfoContext(ctx, "injecting script into theme", slog.String("theme_id", themeID))

	existing := theme.CountBlocks(text)
	updated, placement, err := theme.Inject(text, source)
	res.Placement = placement
	if err != nil {
		res.Outcome = OutcomeNoAnchor
		if errors.Is(err, theme.ErrMalformedBlock) {
			res.Outcome = OutcomeMalformed
		}
		res.Err = err
		res.Blocks = existing
		return res
	}

	if err := in.write(ctx, themeID, updated); err != nil {
		res.fail(err)
		res.Blocks = existing
		return res
	}

	res.Blocks = 1
	res.Outcome = OutcomeInstalled
	if existing > 0 {
		res.Outcome = OutcomeReinstalled
	}
	return res
}

// Uninstall removes every injected block from the active theme's layout.
// Nothing is written when the layout holds no block.
func (in *Injector) Uninstall(ctx context.Context) (res Result) {
	res = Result{Action: ActionUninstall, Placement: theme.PlacementNone}
	defer func() { in.finish(ctx, &res) }()

	themeID, text, err := in.load(ctx)
	res.ThemeID = themeID
	if err != nil {
		res.fail(err)
		return res
	}
	in.logger.InfoContext(ctx, "removing script from theme", slog.String("theme_id", themeID))

	found := theme.CountBlocks(text)
	if found == 0 {
		res.Outcome = OutcomeNotPresent
		return res
	}

	if err := in.write(ctx, themeID, theme.Remove(text)); err != nil {
		res.fail(err)
		res.Blocks = found
		return res
	}

	res.Removed = found
	res.Outcome = OutcomeRemoved
	return res
}

// Status reports how many blocks the active theme's layout holds.
func (in *Injector) Status(ctx context.Context) (res Result) {
	res = Result{Action: ActionStatus, Placement: theme.PlacementNone}
	defer func() { in.finish(ctx, &res) }()

	themeID, text, err := in.load(ctx)
	res.ThemeID = themeID
	if err != nil {
		res.fail(err)
		return res
	}

	res.Blocks = theme.CountBlocks(text)
	res.Outcome = OutcomeAbsent
	if res.Blocks > 0 {
		res.Outcome = OutcomePresent
	}
	return res
}

func (in *Injector) load(ctx context.Context) (string, string, error) {
	themeID, err := in.client.ActiveThemeID(ctx)
	if err != nil {
		return "", "", fmt.Errorf("find active theme: %w", err)
	}
	text, err := in.client.GetAsset(ctx, themeID, model.LayoutKey)
	if err != nil {
		return themeID, "", fmt.Errorf("read layout: %w", err)
	}
	return themeID, text, nil
}

func (in *Injector) write(ctx context.Context, themeID, text string) error {
	ok, err := in.client.PutAsset(ctx, themeID, model.LayoutKey, text)
	if err != nil {
		return fmt.Errorf("write layout: %w", err)
	}
	if !ok {
		return errors.New("write layout: not acknowledged")
	}
	return nil
}

func (r *Result) fail(err error) {
	r.Outcome = OutcomeFailed
	r.Err = err
}

func (in *Injector) finish(ctx context.Context, res *Result) {
	if res.Time.IsZero() {
		res.Time = in.now()
	}

	attrs := []slog.Attr{
		slog.String("action", string(res.Action)),
		slog.String("outcome", string(res.Outcome)),
		slog.String("theme_id", res.ThemeID),
		slog.Int("blocks", res.Blocks),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
		in.logger.LogAttrs(ctx, slog.LevelError, "script "+string(res.Action)+" failed", attrs...)
	} else {
		in.logger.LogAttrs(ctx, slog.LevelInfo, "script "+string(res.Action)+" done", attrs...)
	}

	rec := res.Record(in.shop)
	if in.recorder != nil {
		if err := in.recorder.SaveAudit(&rec); err != nil {
			in.logger.WarnContext(ctx, "failed to save audit record", slog.String("error", err.Error()))
		}
	}
	if in.publisher != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			in.logger.WarnContext(ctx, "failed to encode event", slog.String("error", err.Error()))
			return
		}
		in.publisher.Publish(model.Event{Type: model.EventScript, Time: res.Time, Data: data})
	}
}
