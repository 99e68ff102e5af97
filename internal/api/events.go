package api

import (
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

const eventSnapshot = "snapshot"

// SnapshotEvent is the payload of one server-sent event.
type SnapshotEvent struct {
	Recipes []RecipeResponse `json:"recipes"`
	Synced  bool             `json:"synced"`
}

// WatchRecipe streams snapshots of a single recipe.
func (h *RecipeHandler) WatchRecipe(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.stream(c, store.Filter{IDs: []string{rec.ID}})
}

// WatchRecipes streams snapshots of the caller's recipes.
func (h *RecipeHandler) WatchRecipes(c *gin.Context) {
	f, ok := statusFilter(c)
	if !ok {
		return
	}
	h.stream(c, f)
}

func (h *RecipeHandler) stream(c *gin.Context, f store.Filter) {
	ctx := c.Request.Context()
	snaps, err := h.store.Subscribe(ctx, f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	h.logger.Debug("subscription opened", zap.Strings("ids", f.IDs), zap.String("status", string(f.Status)))
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return false
			}
			c.SSEvent(eventSnapshot, newSnapshotEvent(snap))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func newSnapshotEvent(snap store.Snapshot) SnapshotEvent {
	out := SnapshotEvent{Recipes: make([]RecipeResponse, len(snap.Records)), Synced: snap.Synced}
	for i, r := range snap.Records {
		out.Recipes[i] = newRecipeResponse(r)
	}
	return out
}
