package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/source"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

// SourceResolver turns a record's source into extraction input.
type SourceResolver interface {
	Resolve(ctx context.Context, src model.Source) (string, error)
}

type ExtractionRunner interface {
	Run(ctx context.Context, in stage.ExtractionInput) stage.Outcome[*model.StructuredContent]
}

type NutritionRunner interface {
	Run(ctx context.Context, in stage.NutritionInput) stage.Outcome[*model.NutritionalInformation]
}

type ImageRunner interface {
	Run(ctx context.Context, in stage.ImageInput) stage.Outcome[string]
}

// Stages bundles the stage implementations the orchestrator drives.
type Stages struct {
	Extraction ExtractionRunner
	Nutrition  NutritionRunner
	Image      ImageRunner
	Failure    stage.FailureRunner
}

// Orchestrator runs the extraction workflow and the enrichment fan-out.
type Orchestrator struct {
	store    store.Reader
	resolver SourceResolver
	stages   Stages
	retry    RetryPolicy
	logger   *zap.Logger
}

func New(r store.Reader, resolver SourceResolver, stages Stages, retry RetryPolicy, logger *zap.Logger) *Orchestrator {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetry
	}
	return &Orchestrator{
		store:    r,
		resolver: resolver,
		stages:   stages,
		retry:    retry,
		logger:   logging.OrNop(logger).Named("orchestrator"),
	}
}

type extractState struct {
	id      string
	recipe  *model.Recipe
	text    string
	outcome stage.Outcome[*model.StructuredContent]
}

func (o *Orchestrator) extractionWorkflow() *Workflow[extractState] {
	retry := o.retry
	wf := NewWorkflow[extractState]("extraction", o.logger,
		Step[extractState]{Name: "load", Retry: &retry, Run: o.load},
		Step[extractState]{Name: "resolve-source", Retry: &retry, Run: o.resolveSource},
		Step[extractState]{Name: "extract", Run: o.extract},
	)
	wf.OnFailure = func(ctx context.Context, s *extractState, err *StepError) {
		if o.stages.Failure != nil {
			o.stages.Failure.Run(ctx, s.id)
		}
	}
	return wf
}

func (o *Orchestrator) load(ctx context.Context, s *extractState) error {
	rec, err := o.store.Get(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if rec.Status != model.StatusPending {
		return fmt.Errorf("%w: recipe is %s", ErrHalt, rec.Status)
	}
	if rec.HasContent() {
		return fmt.Errorf("%w: recipe already has content", ErrHalt)
	}
	s.recipe = rec
	return nil
}

func (o *Orchestrator) resolveSource(ctx context.Context, s *extractState) error {
	text, err := o.resolver.Resolve(ctx, s.recipe.Source)
	if err != nil {
		if errors.Is(err, source.ErrUnsupportedSource) || errors.Is(err, source.ErrBlockedAddress) {
			return backoff.Permanent(err)
		}
		return err
	}
	s.text = text
	return nil
}

// extract never fails the workflow: the stage routes its own failures to
// the Failure stage.
func (o *Orchestrator) extract(ctx context.Context, s *extractState) error {
	s.outcome = o.stages.Extraction.Run(ctx, stage.ExtractionInput{ID: s.id, RawSourceText: s.text})
	return nil
}

// Extract runs load, resolve-source and extract for one record. A record
// that is no longer awaiting extraction yields a skipped outcome.
func (o *Orchestrator) Extract(ctx context.Context, id string) (stage.Outcome[*model.StructuredContent], error) {
	ctx = authz.WithPrincipal(ctx, stage.Principal)
	s := &extractState{id: id}

	if err := o.extractionWorkflow().Run(ctx, s); err != nil {
		return stage.Failed[*model.StructuredContent](stage.NameExtraction, err), err
	}
	if s.outcome.Stage == "" {
		return stage.Skipped[*model.StructuredContent](stage.NameExtraction, "recipe is not awaiting extraction"), nil
	}
	return s.outcome, nil
}

// EnrichmentReport collects the outcome of each enrichment stage that ran.
type EnrichmentReport struct {
	RecordID  string
	Nutrition *stage.Outcome[*model.NutritionalInformation]
	Image     *stage.Outcome[string]
}

// Settled reports whether every stage that ran either succeeded or had
// nothing to do.
func (r EnrichmentReport) Settled() bool {
	if r.Nutrition != nil && r.Nutrition.Status == stage.OutcomeFailed {
		return false
	}
	if r.Image != nil && r.Image.Status == stage.OutcomeFailed {
		return false
	}
	return true
}

// Enrich loads the record once and runs the requested enrichment stages
// concurrently. With no names it runs both.
func (o *Orchestrator) Enrich(ctx context.Context, id string, names ...string) (*EnrichmentReport, error) {
	ctx = authz.WithPrincipal(ctx, stage.Principal)
	runNutrition, runImage, err := selectStages(names)
	if err != nil {
		return nil, err
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe: %w", err)
	}
	if rec.Status != model.StatusSuccess || !rec.HasContent() {
		return nil, fmt.Errorf("%w: recipe %s is %s", stage.ErrMissingContent, id, rec.Status)
	}

	report := &EnrichmentReport{RecordID: id}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	if runNutrition && o.stages.Nutrition != nil && rec.Nutrition.Status == model.StatusPending {
		g.Go(func() error {
			out := o.stages.Nutrition.Run(gctx, stage.NutritionInput{ID: id, Content: rec.StructuredContent})
			mu.Lock()
			report.Nutrition = &out
			mu.Unlock()
			return nil
		})
	}
	if runImage && o.stages.Image != nil && rec.ImageURL == "" {
		g.Go(func() error {
			out := o.stages.Image.Run(gctx, stage.ImageInput{
				ID:              id,
				Content:         rec.StructuredContent,
				OriginalSource:  rec.Source.OriginalURL(),
				CurrentImageURL: rec.ImageURL,
			})
			mu.Lock()
			report.Image = &out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("enrichment finished", zap.String("recipe_id", id), zap.Bool("settled", report.Settled()))
	return report, nil
}

// ErrUnknownStage is returned for an enrichment stage name that does not exist.
var ErrUnknownStage = errors.New("unknown enrichment stage")

func selectStages(names []string) (nutrition, image bool, err error) {
	if len(names) == 0 {
		return true, true, nil
	}
	for _, n := range names {
		switch n {
		case stage.NameNutrition:
			nutrition = true
		case stage.NameImage:
			image = true
		default:
			return false, false, fmt.Errorf("%w: %q", ErrUnknownStage, n)
		}
	}
	return nutrition, image, nil
}
