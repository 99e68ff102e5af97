package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/middleware"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/trigger"
)

// Dispatcher starts pipeline work in the background.
type Dispatcher interface {
	Submit(ctx context.Context, req trigger.Request) error
}

type RecipeHandler struct {
	store      store.Store
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewRecipeHandler(s store.Store, d Dispatcher, logger *zap.Logger) *RecipeHandler {
	return &RecipeHandler{
		store:      s,
		dispatcher: d,
		logger:     logging.OrNop(logger).Named("api"),
	}
}

// RegisterRoutes expects rg to run Authenticate. Nil limiters disable limiting.
func (h *RecipeHandler) RegisterRoutes(rg *gin.RouterGroup, creation, enrich *middleware.RateLimiter) {
	recipes := rg.Group("/recipes")
	{
		recipes.GET("", h.ListRecipes)
		recipes.POST("", creation.Middleware(), h.CreateRecipe)
		recipes.GET("/events", h.WatchRecipes)
		recipes.GET("/:id", h.GetRecipe)
		recipes.GET("/:id/events", h.WatchRecipe)
		recipes.POST("/:id/enrich", enrich.Middleware(), h.EnrichRecipe)
	}
}

// CreateRecipeRequest carries exactly one source.
type CreateRecipeRequest struct {
	SourceURL  string `json:"source_url"`
	SourceText string `json:"source_text"`
	PhotoURL   string `json:"photo_url"`
}

// Source validates the request and converts it into the record's source.
func (r CreateRecipeRequest) Source() (model.Source, error) {
	var sources []model.Source
	if u := strings.TrimSpace(r.SourceURL); u != "" {
		sources = append(sources, model.Source{Kind: model.SourceURL, URL: u})
	}
	if t := strings.TrimSpace(r.SourceText); t != "" {
		sources = append(sources, model.Source{Kind: model.SourceText, Text: t})
	}
	if p := strings.TrimSpace(r.PhotoURL); p != "" {
		sources = append(sources, model.Source{Kind: model.SourcePhoto, PhotoURL: p})
	}
	if len(sources) != 1 {
		return model.Source{}, errors.New("exactly one of source_url, source_text or photo_url is required")
	}

	src := sources[0]
	for _, raw := range []string{src.URL, src.PhotoURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return model.Source{}, errors.New("source urls must be absolute http(s) urls")
		}
	}
	return src, src.Validate()
}

// RecipeResponse is a record plus its derived display state.
type RecipeResponse struct {
	*model.Recipe
	Progress model.Progress `json:"progress"`
}

func newRecipeResponse(r *model.Recipe) RecipeResponse {
	return RecipeResponse{Recipe: r, Progress: r.Progress()}
}

func (h *RecipeHandler) CreateRecipe(c *gin.Context) {
	var req CreateRecipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	src, err := req.Source()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.store.Create(c.Request.Context(), &model.Recipe{Source: src})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("recipe submitted", zap.String("recipe_id", rec.ID), zap.String("source", string(src.Kind)))
	c.JSON(http.StatusAccepted, gin.H{"recipe": newRecipeResponse(rec)})
}

func (h *RecipeHandler) GetRecipe(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipe": newRecipeResponse(rec)})
}

func (h *RecipeHandler) ListRecipes(c *gin.Context) {
	f, ok := statusFilter(c)
	if !ok {
		return
	}
	recs, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	out := make([]RecipeResponse, len(recs))
	for i, r := range recs {
		out[i] = newRecipeResponse(r)
	}
	c.JSON(http.StatusOK, gin.H{"recipes": out})
}

// EnrichRequest names the stages to re-run. Empty means whatever the recipe
// needs next.
type EnrichRequest struct {
	Stages []string `json:"stages"`
}

func (h *RecipeHandler) EnrichRecipe(c *gin.Context) {
	var req EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Work runs as the pipeline service, so ownership is checked here.
	ctx := c.Request.Context()
	rec, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	if err := h.dispatcher.Submit(ctx, trigger.Request{RecordID: rec.ID, Stages: req.Stages}); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"recipe": newRecipeResponse(rec)})
}

func statusFilter(c *gin.Context) (store.Filter, bool) {
	var f store.Filter
	if s := c.Query("status"); s != "" {
		f.Status = model.Status(strings.ToUpper(s))
		if !f.Status.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of PENDING, SUCCESS, FAILED"})
			return f, false
		}
	}
	return f, true
}
