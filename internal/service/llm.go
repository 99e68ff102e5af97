package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// LLMService talks to an OpenAI-compatible chat completions endpoint
// (DeepSeek by default).
type LLMService struct {
	client      *resty.Client
	model       string
	visionModel string
	temperature float64
	logger      *zap.Logger
}

// NewLLMService creates a new LLMService instance
func NewLLMService(cfg config.LLMConfig, logger *zap.Logger) (*LLMService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key must be set")
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &LLMService{
		client:      client,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		logger:      logging.OrNop(logger).Named("llm"),
	}, nil
}

// Message represents a message in the chat. Content is either a string or a
// list of ContentPart for multimodal requests.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Request represents a chat completions request
type Request struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// CompleteJSON asks the model for a JSON object and strictly decodes it.
func (s *LLMService) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	content, err := s.complete(ctx, Request{
		Model: s.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    s.temperature,
	})
	if err != nil {
		return err
	}
	return DecodeStrict(content, out)
}

// DescribeImage transcribes an image with the vision model.
func (s *LLMService) DescribeImage(ctx context.Context, instruction, imageURL string) (string, error) {
	content, err := s.complete(ctx, Request{
		Model: s.visionModel,
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: instruction},
				{Type: "image_url", ImageURL: &ImageURL{URL: imageURL}},
			},
		}},
		Temperature: s.temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (s *LLMService) complete(ctx context.Context, req Request) (string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("model request failed",
			zap.String("model", req.Model), zap.Int("status", resp.StatusCode()))
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode(), truncate(resp.String(), 512))
	}

	var result completionResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("no choices in API response")
	}
	if result.Choices[0].FinishReason == "length" {
		return "", fmt.Errorf("%w: reply truncated", ErrMalformedOutput)
	}

	s.logger.Debug("model reply received",
		zap.String("model", req.Model), zap.Int("bytes", len(result.Choices[0].Message.Content)))
	return result.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
