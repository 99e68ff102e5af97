package stage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/storage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

// ImageInput is what the image stage needs from the record.
type ImageInput struct {
	ID              string
	Content         *model.StructuredContent
	OriginalSource  string
	CurrentImageURL string
}

// ImageFinder looks for an existing image on the recipe's source page.
type ImageFinder interface {
	FindImage(ctx context.Context, pageURL string) (string, error)
}

// ImageConfig bounds each tier of the image stage.
type ImageConfig struct {
	ScrapeTimeout time.Duration
	SynthTimeout  time.Duration
}

// Image attaches a picture to a recipe. It never changes the parent status
// and a failure only leaves image_url empty.
type Image struct {
	finder    ImageFinder
	generator service.ImageGenerator
	objects   storage.ObjectStore
	store     store.Writer
	cfg       ImageConfig
	logger    *zap.Logger
}

func NewImage(finder ImageFinder, generator service.ImageGenerator, objects storage.ObjectStore, w store.Writer, cfg ImageConfig, logger *zap.Logger) *Image {
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 15 * time.Second
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = 2 * time.Minute
	}
	return &Image{
		finder:    finder,
		generator: generator,
		objects:   objects,
		store:     w,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named(NameImage),
	}
}

func (s *Image) Run(ctx context.Context, in ImageInput) (out Outcome[string]) {
	ctx, span := begin(ctx, NameImage, in.ID)
	defer func() { finish(span, out) }()
	logger := s.logger.With(zap.String("recipe_id", in.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("image stage panicked", zap.Any("panic", r))
			out = Failed[string](NameImage, fmt.Errorf("panic: %v", r))
		}
	}()

	if in.CurrentImageURL != "" {
		return Skipped[string](NameImage, "recipe already has an image")
	}
	if in.Content == nil || in.Content.Title == "" {
		return Skipped[string](NameImage, ErrMissingContent.Error())
	}

	imageURL := s.scrape(ctx, logger, in.OriginalSource)
	if imageURL == "" {
		var err error
		imageURL, err = s.synthesize(ctx, in)
		if err != nil && interrupted(ctx) {
			logger.Info("image stage interrupted", zap.Error(err))
			return Skipped[string](NameImage, reasonInterrupted)
		}
		if err != nil {
			logger.Warn("image synthesis failed", zap.Error(err))
			return Failed[string](NameImage, err)
		}
	}

	if _, err := s.store.Update(ctx, in.ID, store.Patch{ImageURL: &imageURL},
		store.StatusIs(model.StatusSuccess), store.ImageURLUnset()); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return Skipped[string](NameImage, "image already set or recipe not successful")
		}
		if interrupted(ctx) {
			return Skipped[string](NameImage, reasonInterrupted)
		}
		logger.Warn("failed to write image url", zap.Error(err))
		return Failed[string](NameImage, fmt.Errorf("write image url: %w", err))
	}

	logger.Info("image attached", zap.String("image_url", imageURL))
	return Succeeded(NameImage, imageURL)
}

// scrape returns "" on any failure so the caller falls through to synthesis.
func (s *Image) scrape(ctx context.Context, logger *zap.Logger, pageURL string) string {
	if pageURL == "" || s.finder == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScrapeTimeout)
	defer cancel()

	u, err := s.finder.FindImage(ctx, pageURL)
	if err != nil {
		logger.Info("source page image unavailable", zap.String("page", pageURL), zap.Error(err))
		return ""
	}
	return u
}

func (s *Image) synthesize(ctx context.Context, in ImageInput) (string, error) {
	if s.generator == nil || s.objects == nil {
		return "", errors.New("image synthesis is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SynthTimeout)
	defer cancel()

	data, err := s.generator.Generate(ctx, BuildImagePrompt(in.Content))
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("generate image: empty result")
	}

	u, err := s.objects.Put(ctx, storage.RecipeImageKey(in.ID), data, http.DetectContentType(data))
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return u, nil
}
