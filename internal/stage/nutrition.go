package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

const nutritionInstruction = `You are a nutrition expert. Estimate the nutrition of ONE serving of the recipe you are given.
Respond only with JSON like {"calories": "350 kcal", "fat": "12 g", "carbs": "45 g", "protein": "15 g"}.
Each value is a number followed by its unit. Do not add any other fields.`

// amountPattern is a number followed by a unit, e.g. "350 kcal" or "12.5g".
var amountPattern = regexp.MustCompile(`^\d+(?:\.\d+)?\s*[A-Za-z]+$`)

// NutritionInput is an extracted record's content.
type NutritionInput struct {
	ID      string
	Content *model.StructuredContent
}

// Nutrition estimates per-serving nutrition. It only ever writes the
// nutrition columns, and only while the parent is SUCCESS and nutrition is
// still PENDING.
type Nutrition struct {
	model   service.LanguageModel
	store   store.Writer
	timeout time.Duration
	logger  *zap.Logger
}

func NewNutrition(m service.LanguageModel, w store.Writer, timeout time.Duration, logger *zap.Logger) *Nutrition {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Nutrition{
		model:   m,
		store:   w,
		timeout: timeout,
		logger:  logging.OrNop(logger).Named(NameNutrition),
	}
}

func (n *Nutrition) Run(ctx context.Context, in NutritionInput) (out Outcome[*model.NutritionalInformation]) {
	ctx, span := begin(ctx, NameNutrition, in.ID)
	defer func() { finish(span, out) }()
	logger := n.logger.With(zap.String("recipe_id", in.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("nutrition stage panicked", zap.Any("panic", r))
			out = Failed[*model.NutritionalInformation](NameNutrition, fmt.Errorf("panic: %v", r))
		}
	}()

	if in.Content == nil || in.Content.Title == "" {
		return Skipped[*model.NutritionalInformation](NameNutrition, ErrMissingContent.Error())
	}
	if len(in.Content.Ingredients) == 0 || in.Content.Servings <= 0 {
		err := fmt.Errorf("%w: nutrition needs ingredients and servings", ErrInsufficientInput)
		logger.Info("cannot estimate nutrition", zap.Error(err))
		n.markFailed(ctx, logger, in.ID)
		return Failed[*model.NutritionalInformation](NameNutrition, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	info, err := n.estimate(callCtx, in.Content)
	if err != nil && interrupted(ctx) {
		logger.Info("nutrition interrupted", zap.Error(err))
		return Skipped[*model.NutritionalInformation](NameNutrition, reasonInterrupted)
	}
	if err != nil {
		logger.Warn("nutrition estimate failed", zap.Error(err))
		n.markFailed(ctx, logger, in.ID)
		return Failed[*model.NutritionalInformation](NameNutrition, err)
	}

	if _, err := n.store.Update(callCtx, in.ID, store.Patch{Nutrition: info}, nutritionGuards()...); err != nil {
		if interrupted(ctx) {
			return Skipped[*model.NutritionalInformation](NameNutrition, reasonInterrupted)
		}
		// Left PENDING; a later trigger can retry.
		logger.Warn("failed to write nutrition", zap.Error(err))
		return Failed[*model.NutritionalInformation](NameNutrition, fmt.Errorf("write nutrition: %w", err))
	}

	logger.Info("nutrition estimated", zap.String("calories", info.Calories))
	return Succeeded(NameNutrition, info)
}

func (n *Nutrition) estimate(ctx context.Context, c *model.StructuredContent) (*model.NutritionalInformation, error) {
	var reply struct {
		Calories string `json:"calories"`
		Fat      string `json:"fat"`
		Carbs    string `json:"carbs"`
		Protein  string `json:"protein"`
	}
	if err := n.model.CompleteJSON(ctx, nutritionInstruction, RenderIngredients(c), &reply); err != nil {
		return nil, fmt.Errorf("nutrition model call: %w", err)
	}

	info := &model.NutritionalInformation{
		Status:   model.StatusSuccess,
		Calories: strings.TrimSpace(reply.Calories),
		Fat:      strings.TrimSpace(reply.Fat),
		Carbs:    strings.TrimSpace(reply.Carbs),
		Protein:  strings.TrimSpace(reply.Protein),
	}
	fields := []struct{ name, value string }{
		{"calories", info.Calories},
		{"fat", info.Fat},
		{"carbs", info.Carbs},
		{"protein", info.Protein},
	}
	for _, f := range fields {
		if !amountPattern.MatchString(f.value) {
			return nil, fmt.Errorf("%w: %s %q is not an amount with a unit", ErrInvalidShape, f.name, f.value)
		}
	}
	return info, nil
}

// markFailed is best effort: a lost write leaves nutrition PENDING.
func (n *Nutrition) markFailed(ctx context.Context, logger *zap.Logger, id string) {
	_, err := n.store.Update(context.WithoutCancel(ctx), id, store.Patch{
		Nutrition: &model.NutritionalInformation{Status: model.StatusFailed},
	}, nutritionGuards()...)
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		logger.Warn("failed to mark nutrition failed", zap.Error(err))
	}
}

func nutritionGuards() []store.Condition {
	return []store.Condition{
		store.StatusIs(model.StatusSuccess),
		store.NutritionStatusIs(model.StatusPending),
	}
}

// RenderIngredients formats the recipe the way the nutrition request reads it.
func RenderIngredients(c *model.StructuredContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recipe: %s\n", c.Title)
	fmt.Fprintf(&b, "Servings: %d\n", c.Servings)
	b.WriteString("Ingredients:\n")
	for _, ing := range c.Ingredients {
		parts := make([]string, 0, 3)
		for _, p := range []string{ing.Quantity, ing.Unit, ing.Name} {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		b.WriteString("- " + strings.Join(parts, " ") + "\n")
	}
	return b.String()
}
