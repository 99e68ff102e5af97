package stage

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
)

var tracer = otel.Tracer("github.com/pageza/alchemorsel-v2/pipeline/internal/stage")

// begin opens the stage span and switches the context to the stage principal.
func begin(ctx context.Context, stage, recipeID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "stage."+stage,
		trace.WithAttributes(attribute.String("recipe.id", recipeID)))
	return authz.WithPrincipal(ctx, Principal), span
}

func finish[T any](span trace.Span, out Outcome[T]) {
	span.SetAttributes(attribute.String("stage.outcome", string(out.Status)))
	if out.Status == OutcomeFailed {
		if out.Err != nil {
			span.RecordError(out.Err)
		}
		span.SetStatus(codes.Error, out.FailureReason)
	}
	span.End()
}
