package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/api"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/middleware"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/orchestrator"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/service"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/source"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/testhelpers"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/trigger"
)

const guest = "3c7e2f94-5a1d-4b8e-9f60-2d4c8a1b7e53"

const recipePage = `<!doctype html>
<html><head>
<title>Fluffy Pancakes</title>
<meta property="og:image" content="/images/pancakes-hero.jpg">
</head><body>
<nav>Home | Recipes | About</nav>
<article>
<h1>Fluffy Pancakes</h1>
<p>These fluffy pancakes are the best way to start a weekend morning with the family.</p>
<ul><li>1 1/2 cups all-purpose flour</li><li>1 1/4 cups milk</li><li>1 egg</li><li>3 tablespoons melted butter</li></ul>
<p>Whisk the dry ingredients together. Beat in the milk, egg and butter. Cook ladlefuls on a hot griddle until golden.</p>
</article>
</body></html>`

const extractionReply = `{
  "title": "Fluffy Pancakes",
  "ingredients": [
    {"name": "all-purpose flour", "quantity": "1 1/2", "unit": "cups", "step_indices": [0]},
    {"name": "milk", "quantity": "1 1/4", "unit": "cups", "step_indices": [1]},
    {"name": "egg", "quantity": "1", "unit": "", "step_indices": [1]},
    {"name": "butter", "quantity": "3", "unit": "tablespoons", "step_indices": [1]}
  ],
  "instructions": ["Whisk the dry ingredients together.", "Beat in the milk, egg and butter.", "Cook on a hot griddle until golden."],
  "prep_time": "10 minutes",
  "cook_time": "15 minutes",
  "servings": 4
}`

const nutritionReply = `{"calories": "350 kcal", "fat": "12 g", "carbs": "45 g", "protein": "9 g"}`

// upstream plays both the recipe website and the model provider.
type upstream struct {
	*httptest.Server
	modelCalls atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/recipes/pancakes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, recipePage)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		u.modelCalls.Add(1)
		var req service.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		system, _ := req.Messages[0].Content.(string)
		reply := extractionReply
		if strings.Contains(system, "nutrition") {
			reply = nutritionReply
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

type harness struct {
	router *gin.Engine
	store  *store.GormStore
	bus    *notify.Memory
}

// newHarness wires the pipeline the way the serve command does, with sqlite,
// the in-process bus and the upstream fake.
func newHarness(t *testing.T, up *upstream) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	bus := notify.NewMemory(logger)
	s := store.NewGormStore(testhelpers.NewSQLiteDB(t), bus, logger)

	llm, err := service.NewLLMService(config.LLMConfig{
		APIKey:  "test-key",
		BaseURL: up.URL + "/v1",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)

	pages := source.NewFetcher(5*time.Second, source.AllowPrivateNetworks())
	failure := stage.NewFailure(s, logger)
	orch := orchestrator.New(s, source.NewResolver(pages, llm, logger), orchestrator.Stages{
		Extraction: stage.NewExtraction(llm, s, failure, stage.ExtractionConfig{}, logger),
		Nutrition:  stage.NewNutrition(llm, s, 5*time.Second, logger),
		Image: stage.NewImage(
			stage.NewScraper(pages, stage.NewHTTPProber(5*time.Second, true), 200, logger),
			nil, nil, s, stage.ImageConfig{}, logger,
		),
		Failure: failure,
	}, orchestrator.RetryPolicy{MaxAttempts: 2, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}, logger)

	router := trigger.NewRouter(s, orch, trigger.NewMemoryClaimer(), time.Minute, logger)
	worker := trigger.NewWorker(bus, router, s, trigger.WorkerConfig{Concurrency: 4}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	engine := gin.New()
	api.RegisterRoutes(engine, api.Deps{
		Store:      s,
		Dispatcher: router,
		Tokens:     authz.NewTokenService("test-secret"),
	})
	return &harness{router: engine, store: s, bus: bus}
}

func (h *harness) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderGuestIdentity, guest)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

type recipeEnvelope struct {
	Recipe struct {
		ID                string                       `json:"id"`
		Status            model.Status                 `json:"status"`
		Progress          model.Progress               `json:"progress"`
		StructuredContent *model.StructuredContent     `json:"structured_content"`
		Nutrition         model.NutritionalInformation `json:"nutritional_information"`
		ImageURL          string                       `json:"image_url"`
	} `json:"recipe"`
}

func (h *harness) get(t *testing.T, id string) recipeEnvelope {
	t.Helper()
	w := h.request(t, http.MethodGet, "/api/v1/recipes/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env recipeEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestURLSubmissionRunsThePipeline(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, up)

	w := h.request(t, http.MethodPost, "/api/v1/recipes", api.CreateRecipeRequest{SourceURL: up.URL + "/recipes/pancakes"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created recipeEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, model.StatusPending, created.Recipe.Status)
	id := created.Recipe.ID

	require.Eventually(t, func() bool {
		return h.get(t, id).Recipe.Progress == model.ProgressComplete
	}, 10*time.Second, 20*time.Millisecond)

	final := h.get(t, id).Recipe
	assert.Equal(t, model.StatusSuccess, final.Status)
	require.NotNil(t, final.StructuredContent)
	assert.Equal(t, "Fluffy Pancakes", final.StructuredContent.Title)
	assert.Len(t, final.StructuredContent.Ingredients, 4)
	assert.Equal(t, model.StatusSuccess, final.Nutrition.Status)
	assert.Equal(t, "350 kcal", final.Nutrition.Calories)

	// The image lands independently of nutrition.
	require.Eventually(t, func() bool {
		return h.get(t, id).Recipe.ImageURL != ""
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, up.URL+"/images/pancakes-hero.jpg", h.get(t, id).Recipe.ImageURL)

	// One extraction call and one nutrition call, however many events fired.
	assert.Equal(t, int32(2), up.modelCalls.Load())
}

func TestShortTextSubmissionFails(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, up)

	w := h.request(t, http.MethodPost, "/api/v1/recipes", api.CreateRecipeRequest{SourceText: "eggs, toast"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created recipeEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	require.Eventually(t, func() bool {
		return h.get(t, created.Recipe.ID).Recipe.Status == model.StatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	final := h.get(t, created.Recipe.ID).Recipe
	assert.Equal(t, model.ProgressFailed, final.Progress)
	assert.Nil(t, final.StructuredContent)
	assert.Zero(t, up.modelCalls.Load())

	// A failed recipe cannot be re-requested into extraction.
	w = h.request(t, http.MethodPost, "/api/v1/recipes/"+created.Recipe.ID+"/enrich", api.EnrichRequest{Stages: []string{"extraction"}})
	assert.Equal(t, http.StatusConflict, w.Code)
}
