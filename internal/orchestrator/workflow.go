// Package orchestrator runs pipeline stages as declarative workflows: an
// ordered list of named steps with per-step retry and a failure hook.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

var tracer = otel.Tracer("github.com/pageza/alchemorsel-v2/pipeline/internal/orchestrator")

// ErrHalt stops a workflow early without counting as a failure.
var ErrHalt = errors.New("workflow halted")

// RetryPolicy retries a step with exponential backoff. Errors wrapped with
// backoff.Permanent are not retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetry is used for steps that talk to the store or fetch sources.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Step is one named unit of a workflow. Retry is nil for steps that must
// run at most once.
type Step[S any] struct {
	Name  string
	Run   func(ctx context.Context, state *S) error
	Retry *RetryPolicy
}

// StepError wraps the error of the step that failed.
type StepError struct {
	Workflow string
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return e.Workflow + "/" + e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Workflow runs its steps in order against a shared state value.
type Workflow[S any] struct {
	Name  string
	Steps []Step[S]
	// OnFailure runs once when a step fails for good. It is not called for
	// ErrHalt, nor when the caller cancelled ctx.
	OnFailure func(ctx context.Context, state *S, err *StepError)

	logger *zap.Logger
}

func NewWorkflow[S any](name string, logger *zap.Logger, steps ...Step[S]) *Workflow[S] {
	return &Workflow[S]{
		Name:   name,
		Steps:  steps,
		logger: logging.OrNop(logger).Named("workflow").With(zap.String("workflow", name)),
	}
}

// Run returns nil when every step succeeded or a step halted the workflow,
// and a *StepError otherwise.
func (w *Workflow[S]) Run(ctx context.Context, state *S) error {
	ctx, span := tracer.Start(ctx, "workflow."+w.Name)
	defer span.End()

	for _, step := range w.Steps {
		err := w.runStep(ctx, step, state)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalt) {
			w.logger.Debug("workflow halted", zap.String("step", step.Name), zap.Error(err))
			span.SetAttributes(attribute.String("workflow.halted_at", step.Name))
			return nil
		}

		stepErr := &StepError{Workflow: w.Name, Step: step.Name, Err: err}
		w.logger.Warn("workflow step failed", zap.String("step", step.Name), zap.Error(err))
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		if ctx.Err() != nil {
			w.logger.Info("workflow interrupted", zap.String("step", step.Name), zap.Error(ctx.Err()))
			return stepErr
		}
		if w.OnFailure != nil {
			w.OnFailure(context.WithoutCancel(ctx), state, stepErr)
		}
		return stepErr
	}
	return nil
}

func (w *Workflow[S]) runStep(ctx context.Context, step Step[S], state *S) error {
	ctx, span := tracer.Start(ctx, "step."+step.Name, trace.WithAttributes(attribute.String("workflow", w.Name)))
	defer span.End()

	if step.Retry == nil {
		return step.Run(ctx, state)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := step.Run(ctx, state)
		if errors.Is(err, ErrHalt) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Info("retrying workflow step",
			zap.String("step", step.Name), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, step.Retry.backOff(ctx), notify)
	span.SetAttributes(attribute.Int("step.attempts", attempt))
	return err
}
