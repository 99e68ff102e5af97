// Package trigger decides which pipeline work a record needs and starts it,
// either from a change event or from a direct request.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/orchestrator"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

// Route names a unit of work the router can start.
type Route string

const (
	RouteExtract Route = "extract"
	RouteEnrich  Route = "enrich"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	// ErrNotReady means the record is not in a state the requested stage
	// can run against.
	ErrNotReady = errors.New("recipe is not ready for this stage")
)

// Decide is the routing table. It depends only on the record's shape, so
// duplicate or reordered events route the same way.
func Decide(r *model.Recipe) []Route {
	if r == nil {
		return nil
	}
	switch r.Status {
	case model.StatusPending:
		if !r.HasContent() {
			return []Route{RouteExtract}
		}
	case model.StatusSuccess:
		if r.HasContent() && r.Nutrition.Status == model.StatusPending {
			return []Route{RouteEnrich}
		}
	}
	return nil
}

// Runner is the orchestrator surface the router drives.
type Runner interface {
	Extract(ctx context.Context, id string) (stage.Outcome[*model.StructuredContent], error)
	Enrich(ctx context.Context, id string, stages ...string) (*orchestrator.EnrichmentReport, error)
}

// Request is a direct invocation. Empty Stages means "whatever the record
// needs next".
type Request struct {
	RecordID string   `json:"record_id"`
	Stages   []string `json:"stages,omitempty"`
}

// Result reports what a dispatch ran.
type Result struct {
	Extraction *stage.Outcome[*model.StructuredContent]
	Enrichment *orchestrator.EnrichmentReport
	Deduped    bool
}

// Router starts the work Decide selects, at most once per claim window.
type Router struct {
	store   store.Reader
	runner  Runner
	claimer Claimer
	window  time.Duration
	logger  *zap.Logger

	inflight sync.WaitGroup
}

// NewRouter builds a router. A nil claimer keeps claims in process and a
// non-positive window defaults to five minutes.
func NewRouter(r store.Reader, runner Runner, claimer Claimer, window time.Duration, logger *zap.Logger) *Router {
	if claimer == nil {
		claimer = NewMemoryClaimer()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Router{
		store:   r,
		runner:  runner,
		claimer: claimer,
		window:  window,
		logger:  logging.OrNop(logger).Named("router"),
	}
}

func claimKey(route Route, id string) string {
	return fmt.Sprintf("trigger:%s:%s", route, id)
}

// HandleEvent routes one change event. Routing errors are logged and
// dropped: the record stays visibly PENDING and a later event or request
// can pick it up.
func (r *Router) HandleEvent(ctx context.Context, ev notify.Event) error {
	ctx = authz.WithPrincipal(ctx, stage.Principal)
	logger := r.logger.With(zap.String("recipe_id", ev.RecordID), zap.String("event", string(ev.Kind)))

	rec, err := r.store.Get(ctx, ev.RecordID)
	if err != nil {
		logger.Warn("failed to load recipe for event", zap.Error(err))
		return nil
	}

	for _, route := range Decide(rec) {
		if _, err := r.run(ctx, route, rec.ID, nil); err != nil {
			logger.Warn("triggered work failed", zap.String("route", string(route)), zap.Error(err))
		}
	}
	return nil
}

// Dispatch validates req against the record and runs the matching work
// synchronously.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx = authz.WithPrincipal(ctx, stage.Principal)
	route, stages, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if route == "" {
		return &Result{}, nil
	}
	return r.run(ctx, route, req.RecordID, stages)
}

// Submit validates req and runs it in the background. Wait blocks until
// submitted work has finished.
func (r *Router) Submit(ctx context.Context, req Request) error {
	ctx = authz.WithPrincipal(context.WithoutCancel(ctx), stage.Principal)
	route, stages, err := r.plan(ctx, req)
	if err != nil {
		return err
	}
	if route == "" {
		return nil
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if _, err := r.run(ctx, route, req.RecordID, stages); err != nil {
			r.logger.Warn("submitted work failed", zap.String("recipe_id", req.RecordID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every submitted run has returned.
func (r *Router) Wait() {
	r.inflight.Wait()
}

// plan maps a request onto a route. It returns an empty route when the
// record needs nothing.
func (r *Router) plan(ctx context.Context, req Request) (Route, []string, error) {
	rec, err := r.store.Get(ctx, req.RecordID)
	if err != nil {
		return "", nil, err
	}

	if len(req.Stages) == 0 {
		routes := Decide(rec)
		if len(routes) == 0 {
			return "", nil, nil
		}
		return routes[0], nil, nil
	}

	var extract, enrich bool
	for _, s := range req.Stages {
		switch s {
		case stage.NameExtraction:
			extract = true
		case stage.NameNutrition, stage.NameImage:
			enrich = true
		default:
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
		}
	}
	switch {
	case extract && enrich:
		return "", nil, fmt.Errorf("%w: extraction cannot run with enrichment", ErrNotReady)
	case extract:
		if rec.Status != model.StatusPending || rec.HasContent() {
			return "", nil, fmt.Errorf("%w: recipe is %s", ErrNotReady, rec.Status)
		}
		return RouteExtract, nil, nil
	default:
		if rec.Status != model.StatusSuccess || !rec.HasContent() {
			return "", nil, fmt.Errorf("%w: recipe is %s", ErrNotReady, rec.Status)
		}
		return RouteEnrich, req.Stages, nil
	}
}

// run claims the route for the record and starts it. The claim is released
// when the work did not settle, so a retry is not deduplicated away.
func (r *Router) run(ctx context.Context, route Route, id string, stages []string) (*Result, error) {
	key := claimKey(route, id)
	if len(stages) > 0 {
		key += ":" + strings.Join(stages, ",")
	}
	ok, err := r.claimer.Claim(ctx, key, r.window)
	if err != nil {
		r.logger.Warn("claim failed, running anyway", zap.String("key", key), zap.Error(err))
	} else if !ok {
		r.logger.Debug("duplicate trigger dropped", zap.String("key", key))
		return &Result{Deduped: true}, nil
	}

	res := &Result{}
	settled := false
	switch route {
	case RouteExtract:
		out, runErr := r.runner.Extract(ctx, id)
		res.Extraction = &out
		err, settled = runErr, runErr == nil
	case RouteEnrich:
		report, runErr := r.runner.Enrich(ctx, id, stages...)
		res.Enrichment = report
		err, settled = runErr, runErr == nil && report.Settled()
	default:
		err = fmt.Errorf("unknown route %q", route)
	}

	// Work cut short by shutdown left the record as it was.
	if !settled || ctx.Err() != nil {
		if relErr := r.claimer.Release(context.WithoutCancel(ctx), key); relErr != nil {
			r.logger.Warn("failed to release claim", zap.String("key", key), zap.Error(relErr))
		}
	}
	return res, err
}
