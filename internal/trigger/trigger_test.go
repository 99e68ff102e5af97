package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/orchestrator"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/testhelpers"
)

func TestDecide(t *testing.T) {
	content := &model.StructuredContent{Title: "Toast"}
	tests := []struct {
		name string
		rec  *model.Recipe
		want []Route
	}{
		{"nil", nil, nil},
		{"new record", &model.Recipe{Status: model.StatusPending}, []Route{RouteExtract}},
		{"empty content counts as none", &model.Recipe{Status: model.StatusPending, StructuredContent: &model.StructuredContent{}}, []Route{RouteExtract}},
		{"pending with content", &model.Recipe{Status: model.StatusPending, StructuredContent: content}, nil},
		{"extracted", &model.Recipe{Status: model.StatusSuccess, StructuredContent: content, Nutrition: model.NutritionalInformation{Status: model.StatusPending}}, []Route{RouteEnrich}},
		{"enriched", &model.Recipe{Status: model.StatusSuccess, StructuredContent: content, Nutrition: model.NutritionalInformation{Status: model.StatusSuccess}}, nil},
		{"nutrition failed", &model.Recipe{Status: model.StatusSuccess, StructuredContent: content, Nutrition: model.NutritionalInformation{Status: model.StatusFailed}}, nil},
		{"failed", &model.Recipe{Status: model.StatusFailed, Nutrition: model.NutritionalInformation{Status: model.StatusPending}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.rec))
		})
	}
}

type fakeRunner struct {
	mu         sync.Mutex
	extracts   []string
	enriches   [][]string
	extractErr error
	unsettled  bool
	release    chan struct{}
	onExtract  func()
}

func (f *fakeRunner) Extract(_ context.Context, id string) (stage.Outcome[*model.StructuredContent], error) {
	if f.release != nil {
		<-f.release
	}
	if f.onExtract != nil {
		f.onExtract()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, id)
	if f.extractErr != nil {
		return stage.Failed[*model.StructuredContent](stage.NameExtraction, f.extractErr), f.extractErr
	}
	return stage.Succeeded(stage.NameExtraction, &model.StructuredContent{Title: "Toast"}), nil
}

func (f *fakeRunner) Enrich(_ context.Context, id string, stages ...string) (*orchestrator.EnrichmentReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enriches = append(f.enriches, append([]string{id}, stages...))
	report := &orchestrator.EnrichmentReport{RecordID: id}
	if f.unsettled {
		out := stage.Failed[string](stage.NameImage, errors.New("no image"))
		report.Image = &out
	}
	return report, nil
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extracts), len(f.enriches)
}

var alice = authz.WithPrincipal(context.Background(), authz.User("alice"))

func newStore(t *testing.T, n notify.Notifier) *store.GormStore {
	t.Helper()
	return store.NewGormStore(testhelpers.NewSQLiteDB(t), n, zap.NewNop())
}

func create(t *testing.T, s *store.GormStore) string {
	t.Helper()
	rec, err := s.Create(alice, &model.Recipe{Source: model.Source{Kind: model.SourceText, Text: "toast"}})
	require.NoError(t, err)
	return rec.ID
}

func setStatus(t *testing.T, s *store.GormStore, id string, status model.Status) {
	t.Helper()
	p := store.Patch{Status: &status}
	if status == model.StatusSuccess {
		p.StructuredContent = &model.StructuredContent{Title: "Toast", Instructions: []string{"Toast."}}
	}
	_, err := s.Update(authz.WithPrincipal(context.Background(), stage.Principal), id, p)
	require.NoError(t, err)
}

func TestHandleEventRoutesByShape(t *testing.T) {
	s := newStore(t, nil)
	pending, extracted, failed := create(t, s), create(t, s), create(t, s)
	setStatus(t, s, extracted, model.StatusSuccess)
	setStatus(t, s, failed, model.StatusFailed)

	runner := &fakeRunner{}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, zap.NewNop())

	for _, id := range []string{pending, extracted, failed} {
		require.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent(id, notify.EventUpdated)))
	}

	assert.Equal(t, []string{pending}, runner.extracts)
	assert.Equal(t, [][]string{{extracted}}, runner.enriches)
}

func TestHandleEventReleasesClaimOnShutdown(t *testing.T) {
	s := newStore(t, nil)
	id := create(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{onExtract: cancel}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)

	require.NoError(t, r.HandleEvent(ctx, notify.NewEvent(id, notify.EventCreated)))
	runner.onExtract = nil
	require.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent(id, notify.EventUpdated)))

	extracts, _ := runner.counts()
	assert.Equal(t, 2, extracts)
}

func TestHandleEventDropsDuplicates(t *testing.T) {
	s := newStore(t, nil)
	id := create(t, s)
	runner := &fakeRunner{}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent(id, notify.EventCreated)))
	}

	extracts, _ := runner.counts()
	assert.Equal(t, 1, extracts)
}

func TestHandleEventReleasesClaimWhenWorkDidNotSettle(t *testing.T) {
	s := newStore(t, nil)
	pending, extracted := create(t, s), create(t, s)
	setStatus(t, s, extracted, model.StatusSuccess)
	runner := &fakeRunner{extractErr: errors.New("store unavailable"), unsettled: true}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)

	for i := 0; i < 2; i++ {
		assert.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent(pending, notify.EventUpdated)))
		assert.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent(extracted, notify.EventUpdated)))
	}

	extracts, enriches := runner.counts()
	assert.Equal(t, 2, extracts)
	assert.Equal(t, 2, enriches)
}

func TestHandleEventIgnoresMissingRecords(t *testing.T) {
	runner := &fakeRunner{}
	r := NewRouter(newStore(t, nil), runner, nil, 0, nil)

	assert.NoError(t, r.HandleEvent(context.Background(), notify.NewEvent("4f1c7a0e-2b55-4c1e-8d1f-0c9f7f0a2e31", notify.EventUpdated)))
	extracts, enriches := runner.counts()
	assert.Zero(t, extracts+enriches)
}

func TestDispatch(t *testing.T) {
	s := newStore(t, nil)
	pending, extracted, failed := create(t, s), create(t, s), create(t, s)
	setStatus(t, s, extracted, model.StatusSuccess)
	setStatus(t, s, failed, model.StatusFailed)

	tests := []struct {
		name    string
		req     Request
		wantErr error
		check   func(*testing.T, *Result)
	}{
		{"unknown stage", Request{RecordID: extracted, Stages: []string{"colour"}}, ErrUnknownStage, nil},
		{"enrich pending record", Request{RecordID: pending, Stages: []string{stage.NameNutrition}}, ErrNotReady, nil},
		{"enrich failed record", Request{RecordID: failed, Stages: []string{stage.NameImage}}, ErrNotReady, nil},
		{"extract extracted record", Request{RecordID: extracted, Stages: []string{stage.NameExtraction}}, ErrNotReady, nil},
		{"mixed stages", Request{RecordID: pending, Stages: []string{stage.NameExtraction, stage.NameImage}}, ErrNotReady, nil},
		{"missing record", Request{RecordID: "4f1c7a0e-2b55-4c1e-8d1f-0c9f7f0a2e31"}, store.ErrNotFound, nil},
		{"enrich selected stages", Request{RecordID: extracted, Stages: []string{stage.NameImage}}, nil, func(t *testing.T, res *Result) {
			require.NotNil(t, res.Enrichment)
			assert.Equal(t, extracted, res.Enrichment.RecordID)
		}},
		{"next stage for pending", Request{RecordID: pending}, nil, func(t *testing.T, res *Result) {
			require.NotNil(t, res.Extraction)
			assert.True(t, res.Extraction.IsSuccess())
		}},
		{"nothing to do", Request{RecordID: failed}, nil, func(t *testing.T, res *Result) {
			assert.Nil(t, res.Extraction)
			assert.Nil(t, res.Enrichment)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(s, &fakeRunner{}, NewMemoryClaimer(), time.Minute, nil)

			res, err := r.Dispatch(context.Background(), tt.req)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, res)
		})
	}
}

func TestDispatchStageSelectionIsPassedThrough(t *testing.T) {
	s := newStore(t, nil)
	id := create(t, s)
	setStatus(t, s, id, model.StatusSuccess)
	runner := &fakeRunner{}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)

	_, err := r.Dispatch(context.Background(), Request{RecordID: id, Stages: []string{stage.NameNutrition, stage.NameImage}})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{id, stage.NameNutrition, stage.NameImage}}, runner.enriches)
}

func TestSubmitRunsInBackground(t *testing.T) {
	s := newStore(t, nil)
	id := create(t, s)
	runner := &fakeRunner{release: make(chan struct{})}
	r := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Submit(ctx, Request{RecordID: id}))
	cancel()

	extracts, _ := runner.counts()
	assert.Zero(t, extracts)
	close(runner.release)
	r.Wait()

	extracts, _ = runner.counts()
	assert.Equal(t, 1, extracts)

	assert.ErrorIs(t, r.Submit(context.Background(), Request{RecordID: id, Stages: []string{"colour"}}), ErrUnknownStage)
}

func TestMemoryClaimer(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryClaimer()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = c.Claim(ctx, "k", time.Minute)
	assert.True(t, ok, "expired claims can be taken again")

	require.NoError(t, c.Release(ctx, "k"))
	ok, _ = c.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRedisClaimer(t *testing.T) {
	client := testhelpers.NewRedisClient(t)
	c := NewRedisClaimer(client, "test")
	ctx := context.Background()

	ok, err := c.Claim(ctx, "trigger:extract:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "trigger:extract:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, "test:trigger:extract:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Release(ctx, "trigger:extract:1"))
	ok, err = c.Claim(ctx, "trigger:extract:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkerRoutesChangeEvents(t *testing.T) {
	bus := notify.NewMemory(zap.NewNop())
	s := newStore(t, bus)
	runner := &fakeRunner{}
	router := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)
	w := NewWorker(bus, router, s, WorkerConfig{Concurrency: 2}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	id := create(t, s)

	require.Eventually(t, func() bool {
		extracts, _ := runner.counts()
		return extracts == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []string{id}, runner.extracts)
}

func TestWorkerSweep(t *testing.T) {
	s := newStore(t, nil)
	pending, extracted, failed := create(t, s), create(t, s), create(t, s)
	setStatus(t, s, extracted, model.StatusSuccess)
	setStatus(t, s, failed, model.StatusFailed)

	runner := &fakeRunner{}
	router := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)
	w := NewWorker(notify.NewMemory(nil), router, s, WorkerConfig{}, nil)

	handlers := new(errgroup.Group)
	queued := w.Sweep(context.Background(), handlers)
	require.NoError(t, handlers.Wait())

	assert.Equal(t, 2, queued)
	assert.Equal(t, []string{pending}, runner.extracts)
	assert.Equal(t, [][]string{{extracted}}, runner.enriches)
}

func TestWorkerSweepReachesOldRecords(t *testing.T) {
	s := newStore(t, nil)
	stuck := create(t, s)
	setStatus(t, s, stuck, model.StatusSuccess)

	settled := model.NutritionalInformation{Status: model.StatusSuccess, Calories: "100 kcal"}
	svc := authz.WithPrincipal(context.Background(), stage.Principal)
	for i := 0; i < 120; i++ {
		id := create(t, s)
		setStatus(t, s, id, model.StatusSuccess)
		_, err := s.Update(svc, id, store.Patch{Nutrition: &settled})
		require.NoError(t, err)
	}

	runner := &fakeRunner{}
	router := NewRouter(s, runner, NewMemoryClaimer(), time.Minute, nil)
	w := NewWorker(notify.NewMemory(nil), router, s, WorkerConfig{SweepPageSize: 25}, nil)

	handlers := new(errgroup.Group)
	queued := w.Sweep(context.Background(), handlers)
	require.NoError(t, handlers.Wait())

	assert.Equal(t, 1, queued)
	assert.Equal(t, [][]string{{stuck}}, runner.enriches)
}
