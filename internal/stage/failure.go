package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

// FailureRunner marks a record terminally FAILED.
type FailureRunner interface {
	Run(ctx context.Context, id string) Outcome[bool]
}

// Failure moves a PENDING record to FAILED. It is the fallback of last resort,
// so it absorbs every error, including panics.
type Failure struct {
	store  store.Writer
	logger *zap.Logger
}

func NewFailure(w store.Writer, logger *zap.Logger) *Failure {
	return &Failure{store: w, logger: logging.OrNop(logger).Named(NameFailure)}
}

// Run reports Value=true only for the call that performed the transition.
func (f *Failure) Run(ctx context.Context, id string) (out Outcome[bool]) {
	ctx, span := begin(ctx, NameFailure, id)
	defer func() { finish(span, out) }()
	logger := f.logger.With(zap.String("recipe_id", id))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("failure stage panicked", zap.Any("panic", r))
			out = Failed[bool](NameFailure, fmt.Errorf("panic: %v", r))
		}
	}()

	failed := model.StatusFailed
	_, err := f.store.Update(ctx, id, store.Patch{Status: &failed}, store.StatusIs(model.StatusPending))
	switch {
	case err == nil:
		logger.Info("recipe marked failed")
		return Succeeded(NameFailure, true)
	case errors.Is(err, store.ErrConditionFailed):
		logger.Debug("recipe already terminal")
		return Skipped[bool](NameFailure, "recipe is not pending")
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("cannot mark missing recipe failed")
		return Skipped[bool](NameFailure, "recipe not found")
	default:
		logger.Error("failed to mark recipe failed", zap.Error(err))
		return Failed[bool](NameFailure, err)
	}
}
