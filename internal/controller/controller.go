// Package controller sequences one quota-enforcement invocation: fetch
// usage and prior state concurrently, resolve thresholds, evaluate the
// hysteresis state machine, toggle the access key only when the decided
// state differs from the prior one, and persist the new snapshot.
//
// Invocations are independent and may run concurrently across triggers
// with no mutual exclusion: the model is idempotent-by-reconciliation.
// A failed toggle call aborts before the persist, so the next invocation
// re-derives the same decision from the unchanged prior state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/usagegate/usagegate/internal/accessctl"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/events"
	"github.com/usagegate/usagegate/internal/hysteresis"
	"github.com/usagegate/usagegate/internal/metric"
	"github.com/usagegate/usagegate/internal/observability"
	"github.com/usagegate/usagegate/internal/provider"
	"github.com/usagegate/usagegate/internal/snapshot"
	"github.com/usagegate/usagegate/internal/threshold"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrMissingConfiguration marks a required identifier or endpoint that is
// absent. Fatal before any network call.
var ErrMissingConfiguration = errors.New("missing configuration")

// UsageFetcher yields the extracted usage values for one invocation.
type UsageFetcher interface {
	Fetch(ctx context.Context) (provider.Usage, error)
}

// AccessController reads and writes the authoritative toggle state.
type AccessController interface {
	GetStatus(ctx context.Context, keyID string) (hysteresis.State, error)
	SetStatus(ctx context.Context, keyID string, state hysteresis.State) error
}

// SnapshotStore persists the toggle snapshot under a fixed key.
type SnapshotStore interface {
	Get(ctx context.Context) (*snapshot.Snapshot, bool, error)
	Put(ctx context.Context, snap *snapshot.Snapshot) error
}

// Controller runs quota-enforcement invocations.
type Controller struct {
	keyID       string
	providerURL string
	accessURL   string
	quotas      config.QuotasConfig

	fetcher UsageFetcher
	access  AccessController
	store   SnapshotStore

	logger  *slog.Logger
	metrics *observability.Metrics
	emitter *events.Emitter // nil when events are disabled
	tracer  trace.Tracer

	now func() time.Time
}

// New creates a controller. All collaborator endpoints come from cfg at
// construction; nothing is read from ambient globals afterward.
func New(cfg *config.Config, fetcher UsageFetcher, access AccessController, store SnapshotStore,
	logger *slog.Logger, metrics *observability.Metrics, emitter *events.Emitter) *Controller {
	return &Controller{
		keyID:       cfg.Key.ID,
		providerURL: cfg.Provider.URL,
		accessURL:   cfg.AccessController.URL,
		quotas:      cfg.Quotas,
		fetcher:     fetcher,
		access:      access,
		store:       store,
		logger:      logger.With("component", "controller"),
		metrics:     metrics,
		emitter:     emitter,
		tracer:      otel.Tracer("usagegate/controller"),
		now:         time.Now,
	}
}

// Run executes one invocation and returns the structured result. On a
// fatal condition the result carries {success:false, error} and the error
// is returned as well for the scheduler's error channel; nothing is
// retried internally — the next invocation recomputes from scratch.
func (c *Controller) Run(ctx context.Context) (*snapshot.Result, error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "evaluate")
	defer span.End()

	c.metrics.IncEvaluations()

	res, err := c.run(ctx)
	c.metrics.ObserveInvocationDuration(c.now().Sub(start))
	if err != nil {
		reason := classify(err)
		c.metrics.IncEvaluationErrors(reason)
		span.SetAttributes(attribute.String("failure", reason))
		c.logger.Error("evaluation failed", "reason", reason, "error", err)
		return snapshot.Failure(err, c.now()), err
	}

	span.SetAttributes(attribute.String("toggle_state", string(res.ToggleState)))
	return res, nil
}

func (c *Controller) run(ctx context.Context) (*snapshot.Result, error) {
	// Configuration checks come first: no network call happens when a
	// required identifier is absent.
	if c.keyID == "" {
		return nil, fmt.Errorf("%w: key.id", ErrMissingConfiguration)
	}
	if c.providerURL == "" {
		return nil, fmt.Errorf("%w: provider.url", ErrMissingConfiguration)
	}
	if c.accessURL == "" {
		return nil, fmt.Errorf("%w: access_controller.url", ErrMissingConfiguration)
	}

	limits, err := c.resolveLimits()
	if err != nil {
		return nil, err
	}

	// The usage fetch and the prior-state read are independent; issue
	// them concurrently and evaluate only after both complete.
	var (
		usage     provider.Usage
		prior     *snapshot.Snapshot
		havePrior bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetchCtx, fetchSpan := c.tracer.Start(gctx, "fetch_usage")
		defer fetchSpan.End()

		fetchStart := c.now()
		u, fetchErr := c.fetcher.Fetch(fetchCtx)
		c.metrics.ObserveFetchDuration(c.now().Sub(fetchStart))
		if fetchErr != nil {
			c.metrics.IncProviderErrors()
			return fetchErr
		}
		usage = u
		return nil
	})
	g.Go(func() error {
		readCtx, readSpan := c.tracer.Start(gctx, "read_state")
		defer readSpan.End()

		snap, ok, getErr := c.store.Get(readCtx)
		if getErr != nil {
			c.metrics.IncStoreErrors()
			return getErr
		}
		prior, havePrior = snap, ok
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	current, err := c.currentState(ctx, prior, havePrior)
	if err != nil {
		return nil, err
	}

	readings := c.buildReadings(usage, limits)
	decision := hysteresis.Evaluate(current, readings)
	snap, res := snapshot.Build(decision, readings, c.now())

	if decision.Changed {
		toggleCtx, toggleSpan := c.tracer.Start(ctx, "toggle")
		err = c.access.SetStatus(toggleCtx, c.keyID, decision.Next)
		toggleSpan.End()
		if err != nil {
			// Persisting here would record a state the controller never
			// applied; abort so the next invocation re-decides.
			return nil, err
		}
		c.metrics.IncToggleTransitions(string(decision.Next))
		c.emitter.Emit(events.ToggleEvent{
			KeyID:     c.keyID,
			From:      string(current),
			To:        string(decision.Next),
			Reasons:   append(decision.OverQuota, decision.ReenableChecks...),
			Message:   snap.Message,
			Timestamp: snap.UpdatedAt.UTC().Format(time.RFC3339),
		})
	} else {
		c.metrics.IncTogglesAvoided()
	}

	persistCtx, persistSpan := c.tracer.Start(ctx, "persist_state")
	err = c.store.Put(persistCtx, snap)
	persistSpan.End()
	if err != nil {
		c.metrics.IncStoreErrors()
		return nil, err
	}

	c.logger.Info("evaluation complete",
		"key_id", c.keyID,
		"toggle_state", decision.Next,
		"changed", decision.Changed,
		"message", snap.Message)

	return res, nil
}

// resolveLimits resolves every metric's (quota, reenable) pair once per
// invocation. Resolution is pure, so re-resolving each run keeps clamping
// decisions identical across invocations.
func (c *Controller) resolveLimits() (map[metric.Name]threshold.Limits, error) {
	limits := make(map[metric.Name]threshold.Limits, len(metric.Definitions()))
	for _, def := range metric.Definitions() {
		raw := c.rawLimits(def.Name)
		l, warnings, err := threshold.Resolve(raw.Quota, raw.ReenableThreshold, def.DefaultQuota)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", def.Name, err)
		}
		for _, w := range warnings {
			c.logger.Warn("threshold corrected", "metric", def.Name, "detail", w)
		}
		if l.Quota != nil {
			c.metrics.SetQuota(string(def.Name), *l.Quota)
		}
		limits[def.Name] = l
	}
	return limits, nil
}

func (c *Controller) rawLimits(name metric.Name) config.MetricLimitConfig {
	switch name {
	case metric.Storage:
		return c.quotas.Storage
	case metric.ClassARequests:
		return c.quotas.ClassARequests
	case metric.ClassBRequests:
		return c.quotas.ClassBRequests
	}
	return config.MetricLimitConfig{}
}

// currentState resolves the prior toggle state: the persisted snapshot
// wins; with no prior snapshot the access controller's live status is
// queried. "Unknown" is never a stored state.
func (c *Controller) currentState(ctx context.Context, prior *snapshot.Snapshot, havePrior bool) (hysteresis.State, error) {
	if havePrior {
		return prior.ToggleState, nil
	}

	statusCtx, statusSpan := c.tracer.Start(ctx, "live_status")
	defer statusSpan.End()

	state, err := c.access.GetStatus(statusCtx, c.keyID)
	if err != nil {
		return "", err
	}
	c.logger.Info("no prior snapshot; using live access status", "key_id", c.keyID, "status", state)
	return state, nil
}

func (c *Controller) buildReadings(usage provider.Usage, limits map[metric.Name]threshold.Limits) []hysteresis.Reading {
	readings := make([]hysteresis.Reading, 0, len(metric.Definitions()))
	for _, def := range metric.Definitions() {
		r := hysteresis.Reading{Name: def.Name}
		if v, ok := usage[def.Name]; ok {
			u := v
			r.Usage = &u
			c.metrics.SetUsage(string(def.Name), v)
		}
		l := limits[def.Name]
		r.Quota = l.Quota
		r.Reenable = l.Reenable
		readings = append(readings, r)
	}
	return readings
}

// Status returns the last persisted snapshot, falling back to the access
// controller's live status when none exists. Serves GET /v1/status.
func (c *Controller) Status(ctx context.Context) (*snapshot.Snapshot, error) {
	snap, ok, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return snap, nil
	}

	if c.keyID == "" {
		return nil, fmt.Errorf("%w: key.id", ErrMissingConfiguration)
	}
	state, err := c.access.GetStatus(ctx, c.keyID)
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		ToggleState: state,
		Message:     "No persisted snapshot; reporting live access status.",
	}, nil
}

// classify maps an invocation error to its failure class for metrics and
// logs.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrMissingConfiguration):
		return "missing_configuration"
	case errors.Is(err, threshold.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, accessctl.ErrFailure):
		return "access_controller"
	default:
		return "state_store"
	}
}
