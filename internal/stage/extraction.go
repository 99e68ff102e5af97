package stage

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

const extractionInstruction = `You are a recipe parser. Convert the recipe text you are given into a single JSON object with exactly this structure:
{
    "title": "Recipe title",
    "ingredients": [
        {"name": "flour", "quantity": "2", "unit": "cups", "step_indices": [0]}
    ],
    "instructions": [
        "Whisk the flour and milk together.",
        "Fry in a hot pan until golden."
    ],
    "prep_time": "10 minutes",
    "cook_time": "15 minutes",
    "servings": 4
}

Rules:
- quantity and unit are strings; use "" when the text gives none.
- step_indices lists the zero-based positions in "instructions" where the ingredient is used.
- servings is an integer; use 0 when the text does not say.
- prep_time and cook_time are strings; use "" when unknown.
- Do not add any other fields. Do not invent ingredients or steps that are not in the text.`

// ExtractionInput is one record's resolved source text.
type ExtractionInput struct {
	ID            string
	RawSourceText string
}

// ExtractionConfig holds the minimum source length and the model call timeout.
type ExtractionConfig struct {
	MinSourceLength int
	Timeout         time.Duration
}

// Extraction turns raw source text into structured content. Every failure
// path ends in the Failure stage, except a run whose caller went away; the
// stage never retries.
type Extraction struct {
	model   service.LanguageModel
	store   store.Writer
	failure FailureRunner
	cfg     ExtractionConfig
	logger  *zap.Logger
}

func NewExtraction(m service.LanguageModel, w store.Writer, failure FailureRunner, cfg ExtractionConfig, logger *zap.Logger) *Extraction {
	if cfg.MinSourceLength <= 0 {
		cfg.MinSourceLength = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Extraction{
		model:   m,
		store:   w,
		failure: failure,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named(NameExtraction),
	}
}

func (e *Extraction) Run(ctx context.Context, in ExtractionInput) (out Outcome[*model.StructuredContent]) {
	ctx, span := begin(ctx, NameExtraction, in.ID)
	defer func() { finish(span, out) }()
	logger := e.logger.With(zap.String("recipe_id", in.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("extraction panicked", zap.Any("panic", r))
			out = e.fail(ctx, in.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	text := strings.TrimSpace(in.RawSourceText)
	if n := utf8.RuneCountInString(text); n < e.cfg.MinSourceLength {
		logger.Info("source text too short", zap.Int("chars", n), zap.Int("min_chars", e.cfg.MinSourceLength))
		return e.fail(ctx, in.ID, fmt.Errorf("%w: source has %d characters, need %d", ErrInsufficientInput, n, e.cfg.MinSourceLength))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var reply extractionReply
	if err := e.model.CompleteJSON(callCtx, extractionInstruction, text, &reply); err != nil {
		logger.Warn("extraction model call failed", zap.Error(err))
		return e.fail(ctx, in.ID, fmt.Errorf("extraction model call: %w", err))
	}

	content, err := reply.content()
	if err != nil {
		logger.Warn("extraction output rejected", zap.Error(err))
		return e.fail(ctx, in.ID, err)
	}

	success := model.StatusSuccess
	_, err = e.store.Update(callCtx, in.ID, store.Patch{
		Status:            &success,
		StructuredContent: content,
	}, store.StatusIs(model.StatusPending))
	if err != nil {
		logger.Warn("failed to write extraction result", zap.Error(err))
		return e.fail(ctx, in.ID, fmt.Errorf("write extraction result: %w", err))
	}

	logger.Info("recipe extracted",
		zap.String("title", content.Title), zap.Int("ingredients", len(content.Ingredients)))
	return Succeeded(NameExtraction, content)
}

// fail hands the record to the Failure stage on a context that outlives the
// extraction timeout. A cancelled caller is not a verdict on the source, so
// the record stays PENDING.
func (e *Extraction) fail(ctx context.Context, id string, err error) Outcome[*model.StructuredContent] {
	if interrupted(ctx) {
		e.logger.Info("extraction interrupted", zap.String("recipe_id", id), zap.Error(err))
		return Skipped[*model.StructuredContent](NameExtraction, reasonInterrupted)
	}
	if e.failure != nil {
		e.failure.Run(context.WithoutCancel(ctx), id)
	}
	return Failed[*model.StructuredContent](NameExtraction, err)
}

type extractionReply struct {
	Title       string `json:"title"`
	Ingredients []struct {
		Name        string `json:"name"`
		Quantity    string `json:"quantity"`
		Unit        string `json:"unit"`
		StepIndices []int  `json:"step_indices"`
	} `json:"ingredients"`
	Instructions []string `json:"instructions"`
	PrepTime     string   `json:"prep_time"`
	CookTime     string   `json:"cook_time"`
	Servings     int      `json:"servings"`
}

// content validates the reply and converts it. Partial acceptance is never
// attempted: one bad field rejects the whole reply.
func (r extractionReply) content() (*model.StructuredContent, error) {
	c := &model.StructuredContent{
		Title:    strings.TrimSpace(r.Title),
		PrepTime: strings.TrimSpace(r.PrepTime),
		CookTime: strings.TrimSpace(r.CookTime),
		Servings: r.Servings,
	}
	if c.Title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrInvalidShape)
	}
	if c.Servings < 0 {
		return nil, fmt.Errorf("%w: negative servings", ErrInvalidShape)
	}

	for i, s := range r.Instructions {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("%w: instruction %d is empty", ErrInvalidShape, i)
		}
		c.Instructions = append(c.Instructions, s)
	}
	if len(c.Instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrInvalidShape)
	}

	for i, ing := range r.Ingredients {
		name := strings.TrimSpace(ing.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: ingredient %d has no name", ErrInvalidShape, i)
		}
		for _, idx := range ing.StepIndices {
			if idx < 0 || idx >= len(c.Instructions) {
				return nil, fmt.Errorf("%w: ingredient %q references step %d of %d", ErrInvalidShape, name, idx, len(c.Instructions))
			}
		}
		c.Ingredients = append(c.Ingredients, model.Ingredient{
			Name:        name,
			Quantity:    strings.TrimSpace(ing.Quantity),
			Unit:        strings.TrimSpace(ing.Unit),
			StepIndices: ing.StepIndices,
		})
	}
	if len(c.Ingredients) == 0 {
		return nil, fmt.Errorf("%w: no ingredients", ErrInvalidShape)
	}

	return c, nil
}
