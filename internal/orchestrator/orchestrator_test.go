package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/source"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/testhelpers"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

type journal struct{ steps []string }

func recordStep(name string, err error) Step[journal] {
	return Step[journal]{Name: name, Run: func(_ context.Context, s *journal) error {
		s.steps = append(s.steps, name)
		return err
	}}
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	wf := NewWorkflow[journal]("test", zap.NewNop(), recordStep("a", nil), recordStep("b", nil), recordStep("c", nil))
	s := &journal{}

	require.NoError(t, wf.Run(context.Background(), s))
	assert.Equal(t, []string{"a", "b", "c"}, s.steps)
}

func TestWorkflowStepFailure(t *testing.T) {
	boom := errors.New("boom")
	wf := NewWorkflow[journal]("test", nil, recordStep("a", nil), recordStep("b", boom), recordStep("c", nil))
	var hooked []*StepError
	wf.OnFailure = func(_ context.Context, _ *journal, err *StepError) { hooked = append(hooked, err) }
	s := &journal{}

	err := wf.Run(context.Background(), s)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "b", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "test/b: boom", err.Error())
	assert.Equal(t, []string{"a", "b"}, s.steps)
	require.Len(t, hooked, 1)
	assert.Same(t, stepErr, hooked[0])
}

func TestWorkflowHaltIsNotAFailure(t *testing.T) {
	wf := NewWorkflow[journal]("test", nil, recordStep("a", ErrHalt), recordStep("b", nil))
	called := false
	wf.OnFailure = func(context.Context, *journal, *StepError) { called = true }
	s := &journal{}

	require.NoError(t, wf.Run(context.Background(), s))
	assert.Equal(t, []string{"a"}, s.steps)
	assert.False(t, called)
}

func TestWorkflowSkipsFailureHookWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wf := NewWorkflow[journal]("test", nil, Step[journal]{
		Name: "shutdown",
		Run: func(ctx context.Context, s *journal) error {
			s.steps = append(s.steps, "shutdown")
			cancel()
			return ctx.Err()
		},
	}, recordStep("b", nil))
	called := false
	wf.OnFailure = func(context.Context, *journal, *StepError) { called = true }
	s := &journal{}

	err := wf.Run(ctx, s)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"shutdown"}, s.steps)
	assert.False(t, called)
}

func TestWorkflowRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after transient errors", []error{errors.New("flaky"), errors.New("flaky"), nil}, 3, false},
		{"gives up after max attempts", []error{errors.New("down"), errors.New("down"), errors.New("down"), nil}, 3, true},
		{"permanent error is not retried", []error{backoff.Permanent(errors.New("bad input")), nil}, 1, true},
		{"halt is not retried", []error{ErrHalt, nil}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			retry := fastRetry
			wf := NewWorkflow[journal]("test", nil, Step[journal]{
				Name:  "flaky",
				Retry: &retry,
				Run: func(context.Context, *journal) error {
					err := tt.errs[calls]
					calls++
					return err
				},
			})

			err := wf.Run(context.Background(), &journal{})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) Resolve(ctx context.Context, src model.Source) (string, error) {
	args := m.Called(ctx, src)
	return args.String(0), args.Error(1)
}

type fakeExtraction struct {
	inputs []stage.ExtractionInput
	out    stage.Outcome[*model.StructuredContent]
}

func (f *fakeExtraction) Run(_ context.Context, in stage.ExtractionInput) stage.Outcome[*model.StructuredContent] {
	f.inputs = append(f.inputs, in)
	return f.out
}

type fakeFailure struct{ calls atomic.Int32 }

func (f *fakeFailure) Run(context.Context, string) stage.Outcome[bool] {
	f.calls.Add(1)
	return stage.Succeeded(stage.NameFailure, true)
}

type fakeNutrition struct {
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeNutrition) Run(_ context.Context, in stage.NutritionInput) stage.Outcome[*model.NutritionalInformation] {
	f.calls.Add(1)
	time.Sleep(f.delay)
	return stage.Succeeded(stage.NameNutrition, &model.NutritionalInformation{Status: model.StatusSuccess, Calories: "100 kcal"})
}

type fakeImage struct {
	calls atomic.Int32
	in    stage.ImageInput
	err   error
}

func (f *fakeImage) Run(_ context.Context, in stage.ImageInput) stage.Outcome[string] {
	f.calls.Add(1)
	f.in = in
	if f.err != nil {
		return stage.Failed[string](stage.NameImage, f.err)
	}
	return stage.Succeeded(stage.NameImage, "https://cdn.example.com/x.png")
}

var alice = authz.WithPrincipal(context.Background(), authz.User("alice"))

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	return store.NewGormStore(testhelpers.NewSQLiteDB(t), nil, zap.NewNop())
}

func createRecipe(t *testing.T, s *store.GormStore, src model.Source) *model.Recipe {
	t.Helper()
	rec, err := s.Create(alice, &model.Recipe{Source: src})
	require.NoError(t, err)
	return rec
}

func markExtracted(t *testing.T, s *store.GormStore, id string) {
	t.Helper()
	success := model.StatusSuccess
	_, err := s.Update(authz.WithPrincipal(context.Background(), stage.Principal), id, store.Patch{
		Status: &success,
		StructuredContent: &model.StructuredContent{
			Title:        "Toast",
			Ingredients:  []model.Ingredient{{Name: "bread"}},
			Instructions: []string{"Toast the bread."},
			Servings:     1,
		},
	})
	require.NoError(t, err)
}

func TestExtractRunsWorkflow(t *testing.T) {
	s := newStore(t)
	src := model.Source{Kind: model.SourceURL, URL: "https://example.com/pancakes"}
	rec := createRecipe(t, s, src)

	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, src).Return("pancake page text", nil).Once()
	extraction := &fakeExtraction{out: stage.Succeeded(stage.NameExtraction, &model.StructuredContent{Title: "Pancakes"})}
	failure := &fakeFailure{}
	o := New(s, resolver, Stages{Extraction: extraction, Failure: failure}, fastRetry, zap.NewNop())

	out, err := o.Extract(context.Background(), rec.ID)

	require.NoError(t, err)
	assert.True(t, out.IsSuccess())
	assert.Equal(t, []stage.ExtractionInput{{ID: rec.ID, RawSourceText: "pancake page text"}}, extraction.inputs)
	assert.Zero(t, failure.calls.Load())
	resolver.AssertExpectations(t)
}

func TestExtractDoesNotDoubleFail(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceText, Text: "hi"})

	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, mock.Anything).Return("hi", nil)
	extraction := &fakeExtraction{out: stage.Failed[*model.StructuredContent](stage.NameExtraction, stage.ErrInsufficientInput)}
	failure := &fakeFailure{}
	o := New(s, resolver, Stages{Extraction: extraction, Failure: failure}, fastRetry, nil)

	out, err := o.Extract(context.Background(), rec.ID)

	require.NoError(t, err)
	assert.Equal(t, stage.OutcomeFailed, out.Status)
	assert.Zero(t, failure.calls.Load(), "the extraction stage owns its failure path")
}

func TestExtractSkipsRecordsNotAwaitingExtraction(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceText, Text: "toast"})
	markExtracted(t, s, rec.ID)

	resolver := &mockResolver{}
	extraction := &fakeExtraction{}
	failure := &fakeFailure{}
	o := New(s, resolver, Stages{Extraction: extraction, Failure: failure}, fastRetry, nil)

	out, err := o.Extract(context.Background(), rec.ID)

	require.NoError(t, err)
	assert.Equal(t, stage.OutcomeSkipped, out.Status)
	assert.Empty(t, extraction.inputs)
	assert.Zero(t, failure.calls.Load())
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestExtractSourceFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*mockResolver)
		wantCalls int
	}{
		{
			name: "unsupported source is not retried",
			setup: func(r *mockResolver) {
				r.On("Resolve", mock.Anything, mock.Anything).Return("", source.ErrUnsupportedSource)
			},
			wantCalls: 1,
		},
		{
			name: "unreachable page is retried then fails",
			setup: func(r *mockResolver) {
				r.On("Resolve", mock.Anything, mock.Anything).Return("", source.ErrFetch)
			},
			wantCalls: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			rec := createRecipe(t, s, model.Source{Kind: model.SourceURL, URL: "https://unreachable.invalid/"})
			resolver := &mockResolver{}
			tt.setup(resolver)
			extraction := &fakeExtraction{}
			failure := &fakeFailure{}
			o := New(s, resolver, Stages{Extraction: extraction, Failure: failure}, fastRetry, nil)

			out, err := o.Extract(context.Background(), rec.ID)

			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, "resolve-source", stepErr.Step)
			assert.Equal(t, stage.OutcomeFailed, out.Status)
			assert.Empty(t, extraction.inputs)
			assert.Equal(t, int32(1), failure.calls.Load())
			resolver.AssertNumberOfCalls(t, "Resolve", tt.wantCalls)
		})
	}
}

func TestExtractRecoversFromTransientSourceError(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceURL, URL: "https://example.com/r"})
	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, mock.Anything).Return("", source.ErrFetch).Once()
	resolver.On("Resolve", mock.Anything, mock.Anything).Return("page text", nil).Once()
	extraction := &fakeExtraction{out: stage.Succeeded(stage.NameExtraction, &model.StructuredContent{Title: "R"})}
	o := New(s, resolver, Stages{Extraction: extraction, Failure: &fakeFailure{}}, fastRetry, nil)

	_, err := o.Extract(context.Background(), rec.ID)

	require.NoError(t, err)
	require.Len(t, extraction.inputs, 1)
	assert.Equal(t, "page text", extraction.inputs[0].RawSourceText)
}

func TestExtractInterruptedDoesNotFailRecord(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceURL, URL: "https://example.com/r"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", source.ErrFetch)
	extraction := &fakeExtraction{}
	failure := &fakeFailure{}
	o := New(s, resolver, Stages{Extraction: extraction, Failure: failure}, fastRetry, nil)

	_, err := o.Extract(ctx, rec.ID)

	require.Error(t, err)
	assert.Empty(t, extraction.inputs)
	assert.Zero(t, failure.calls.Load())
	resolver.AssertNumberOfCalls(t, "Resolve", 1)
}

func TestExtractMissingRecord(t *testing.T) {
	failure := &fakeFailure{}
	o := New(newStore(t), &mockResolver{}, Stages{Extraction: &fakeExtraction{}, Failure: failure}, fastRetry, nil)

	_, err := o.Extract(context.Background(), "0b7c3f4e-8d7e-4f7e-9a59-2b2f5f1f4a10")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(1), failure.calls.Load())
}

func TestEnrichRunsStagesConcurrently(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceURL, URL: "https://example.com/toast"})
	markExtracted(t, s, rec.ID)

	nutrition := &fakeNutrition{delay: 50 * time.Millisecond}
	image := &fakeImage{}
	o := New(s, &mockResolver{}, Stages{Nutrition: nutrition, Image: image}, fastRetry, nil)

	report, err := o.Enrich(context.Background(), rec.ID)

	require.NoError(t, err)
	require.NotNil(t, report.Nutrition)
	require.NotNil(t, report.Image)
	assert.True(t, report.Nutrition.IsSuccess())
	assert.True(t, report.Image.IsSuccess())
	assert.True(t, report.Settled())
	assert.Equal(t, "https://example.com/toast", image.in.OriginalSource)
	assert.Equal(t, "Toast", image.in.Content.Title)
}

func TestEnrichSelectsStages(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceText, Text: "toast"})
	markExtracted(t, s, rec.ID)

	nutrition := &fakeNutrition{}
	image := &fakeImage{err: errors.New("no image")}
	o := New(s, &mockResolver{}, Stages{Nutrition: nutrition, Image: image}, fastRetry, nil)

	report, err := o.Enrich(context.Background(), rec.ID, stage.NameImage)
	require.NoError(t, err)
	assert.Nil(t, report.Nutrition)
	require.NotNil(t, report.Image)
	assert.False(t, report.Settled())
	assert.Zero(t, nutrition.calls.Load())

	_, err = o.Enrich(context.Background(), rec.ID, "colour")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestEnrichRequiresExtractedRecord(t *testing.T) {
	s := newStore(t)
	rec := createRecipe(t, s, model.Source{Kind: model.SourceText, Text: "toast"})
	nutrition := &fakeNutrition{}
	o := New(s, &mockResolver{}, Stages{Nutrition: nutrition, Image: &fakeImage{}}, fastRetry, nil)

	_, err := o.Enrich(context.Background(), rec.ID)

	assert.ErrorIs(t, err, stage.ErrMissingContent)
	assert.Zero(t, nutrition.calls.Load())
}
