package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
)

// ErrUnsupportedSource is returned for a source kind the resolver cannot read.
var ErrUnsupportedSource = errors.New("unsupported source")

const transcribeInstruction = `Transcribe the recipe in this photo exactly as written.
Include the title, every ingredient line with its quantity, and every instruction step.
Reply with plain text only.`

// PageFetcher downloads a page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// Resolver produces the raw text for a record's source.
type Resolver struct {
	pages  PageFetcher
	vision service.LanguageModel
	logger *zap.Logger
}

func NewResolver(pages PageFetcher, vision service.LanguageModel, logger *zap.Logger) *Resolver {
	return &Resolver{
		pages:  pages,
		vision: vision,
		logger: logging.OrNop(logger).Named("source"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, src model.Source) (string, error) {
	switch src.Kind {
	case model.SourceText:
		return src.Text, nil

	case model.SourceURL:
		page, err := r.pages.Fetch(ctx, src.URL)
		if err != nil {
			return "", err
		}
		if !page.IsHTML() {
			return string(page.Body), nil
		}
		text, err := ExtractText(page.Body)
		if err != nil {
			return "", err
		}
		r.logger.Debug("resolved page source", zap.String("url", src.URL), zap.Int("chars", len(text)))
		return text, nil

	case model.SourcePhoto:
		if r.vision == nil {
			return "", fmt.Errorf("%w: photo transcription is not configured", ErrUnsupportedSource)
		}
		text, err := r.vision.DescribeImage(ctx, transcribeInstruction, src.PhotoURL)
		if err != nil {
			return "", fmt.Errorf("failed to transcribe photo: %w", err)
		}
		return strings.TrimSpace(text), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, src.Kind)
	}
}
