package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

const maxImageAttempts = 3

// ImageGenerationRequest represents a request to the images API
type ImageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format"`
}

// ImageGenerationResponse represents the response from the images API
type ImageGenerationResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url,omitempty"`
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

// ImageService generates recipe images with an OpenAI-compatible images API.
type ImageService struct {
	client  *resty.Client
	model   string
	size    string
	backoff func() backoff.BackOff
	logger  *zap.Logger
}

// NewImageService creates a new ImageService instance
func NewImageService(cfg config.ImagesConfig, logger *zap.Logger) (*ImageService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("images api key must be set")
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout)

	return &ImageService{
		client: client,
		model:  cfg.Model,
		size:   cfg.Size,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
		logger: logging.OrNop(logger).Named("images"),
	}, nil
}

// Generate produces one image for prompt, retrying transient failures.
func (s *ImageService) Generate(ctx context.Context, prompt string) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		data, err := s.generateAttempt(ctx, prompt)
		if err != nil {
			s.logger.Warn("image generation attempt failed",
				zap.Int("attempt", attempt), zap.Int("max_attempts", maxImageAttempts), zap.Error(err))
		}
		return data, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), maxImageAttempts-1), ctx)
	data, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate image after %d attempts: %w", attempt, err)
	}
	s.logger.Debug("generated image", zap.Int("attempt", attempt), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *ImageService) generateAttempt(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(ImageGenerationRequest{
			Model:          s.model,
			Prompt:         prompt,
			N:              1,
			Size:           s.size,
			Quality:        "standard",
			ResponseFormat: "b64_json",
		}).
		Post("/images/generations")
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if code := resp.StatusCode(); code != http.StatusOK {
		err := fmt.Errorf("API request failed with status %d: %s", code, truncate(resp.String(), 512))
		if code == http.StatusTooManyRequests || code >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var result ImageGenerationResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(result.Data) == 0 {
		return nil, errors.New("no image data in API response")
	}

	item := result.Data[0]
	switch {
	case item.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode image data: %w", err))
		}
		return data, nil
	case item.URL != "":
		return s.download(ctx, item.URL)
	default:
		return nil, errors.New("empty image in API response")
	}
}

// download fetches a provider-hosted image. Provider URLs expire, so the bytes
// are always copied into our own storage.
func (s *ImageService) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := resty.New().SetTimeout(s.client.GetClient().Timeout).R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to download image, status: %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
