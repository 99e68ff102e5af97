package service

import (
	"context"
)

// LanguageModel is the structured-output model the extraction, nutrition and
// source stages talk to.
type LanguageModel interface {
	// CompleteJSON sends a system and user prompt and strictly decodes the
	// model's JSON reply into out.
	CompleteJSON(ctx context.Context, system, user string, out interface{}) error
	// DescribeImage asks a vision model to transcribe the image at imageURL.
	DescribeImage(ctx context.Context, instruction, imageURL string) (string, error)
}

// ImageGenerator turns a prompt into encoded image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}
