// Package stage implements the pipeline's units of work. Each stage is a
// stateless struct with injected clients, safe to run concurrently across
// records and across stages of one record. Every Run returns an Outcome; no
// stage returns an error upward.
package stage

import (
	"context"
	"errors"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
)

// Stage names, used in outcomes, spans and logs.
const (
	NameExtraction = "extraction"
	NameNutrition  = "nutrition"
	NameImage      = "image"
	NameFailure    = "failure"
)

// Principal is the identity stages act as when they touch the store.
var Principal = authz.Service("pipeline")

var (
	// ErrInsufficientInput marks input that can never succeed, such as
	// source text below the minimum length.
	ErrInsufficientInput = errors.New("insufficient input")
	// ErrInvalidShape marks model output that decoded but does not describe
	// a usable result.
	ErrInvalidShape = errors.New("invalid output shape")
	// ErrMissingContent marks an enrichment run on a record without
	// structured content.
	ErrMissingContent = errors.New("record has no structured content")
)

// OutcomeStatus is how a stage run ended.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Outcome is the result of one stage run. Value is meaningful only when
// Status is OutcomeSucceeded.
type Outcome[T any] struct {
	Stage         string
	Status        OutcomeStatus
	Value         T
	FailureReason string
	Err           error
}

// Succeeded reports a stage that produced v.
func Succeeded[T any](stage string, v T) Outcome[T] {
	return Outcome[T]{Stage: stage, Status: OutcomeSucceeded, Value: v}
}

// Failed reports a stage that gave up with err.
func Failed[T any](stage string, err error) Outcome[T] {
	o := Outcome[T]{Stage: stage, Status: OutcomeFailed, Err: err}
	if err != nil {
		o.FailureReason = err.Error()
	}
	return o
}

// Skipped reports a stage that had nothing to do, with the reason.
func Skipped[T any](stage, reason string) Outcome[T] {
	return Outcome[T]{Stage: stage, Status: OutcomeSkipped, FailureReason: reason}
}

func (o Outcome[T]) IsSuccess() bool { return o.Status == OutcomeSucceeded }

// reasonInterrupted is the skip reason for runs abandoned because the caller
// went away. Nothing is written, so the record keeps its state and a later
// trigger picks it up again.
const reasonInterrupted = "interrupted before a result was recorded"

// interrupted reports whether the caller cancelled ctx. A stage's own call
// deadline is a child of ctx and does not count.
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}
