// Package store is the record store every pipeline stage reads and patches.
//
// Update is a shallow merge: only the fields set on a Patch are written, and
// each stage owns a disjoint set of fields. Conditions turn the lifecycle
// invariants (status only leaves PENDING once, enrichment only lands on a
// SUCCESS parent) into guarded writes, so a duplicate or late stage run
// becomes a no-op instead of a lost update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
)

var (
	ErrNotFound        = errors.New("recipe not found")
	ErrConditionFailed = errors.New("update precondition not met")
	ErrUnauthorized    = errors.New("missing authorization context")
	ErrForbidden       = errors.New("not an owner of this recipe")
	ErrEmptyPatch      = errors.New("patch has no fields")
)

// Store is the record store contract consumed by the pipeline.
type Store interface {
	Create(ctx context.Context, r *model.Recipe) (*model.Recipe, error)
	Get(ctx context.Context, id string) (*model.Recipe, error)
	Update(ctx context.Context, id string, p Patch, conds ...Condition) (*model.Recipe, error)
	List(ctx context.Context, f Filter) ([]*model.Recipe, error)
	Subscribe(ctx context.Context, f Filter) (<-chan Snapshot, error)
}

// Reader is the read side stages and the router depend on.
type Reader interface {
	Get(ctx context.Context, id string) (*model.Recipe, error)
}

// Writer is the write side stages depend on.
type Writer interface {
	Update(ctx context.Context, id string, p Patch, conds ...Condition) (*model.Recipe, error)
}

// Patch names the fields an update writes. Nil fields are left untouched.
type Patch struct {
	Status            *model.Status
	StructuredContent *model.StructuredContent
	Nutrition         *model.NutritionalInformation
	ImageURL          *string
}

// IsEmpty reports whether the patch writes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.StructuredContent == nil && p.Nutrition == nil && p.ImageURL == nil
}

// columns renders the patch as the column map gorm writes.
func (p Patch) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.StructuredContent != nil {
		cols["structured_content"] = *p.StructuredContent
	}
	if p.Nutrition != nil {
		cols["nutrition_status"] = p.Nutrition.Status
		cols["nutrition_calories"] = p.Nutrition.Calories
		cols["nutrition_fat"] = p.Nutrition.Fat
		cols["nutrition_carbs"] = p.Nutrition.Carbs
		cols["nutrition_protein"] = p.Nutrition.Protein
	}
	if p.ImageURL != nil {
		cols["image_url"] = *p.ImageURL
	}
	return cols
}

// Condition guards an update; all conditions must hold for the write to land.
type Condition struct {
	name  string
	query string
	args  []interface{}
	match func(*model.Recipe) bool
}

func (c Condition) String() string { return c.name }

// Holds evaluates the condition against an in-memory record.
func (c Condition) Holds(r *model.Recipe) bool { return c.match(r) }

// StatusIs requires the parent status to be s.
func StatusIs(s model.Status) Condition {
	return Condition{
		name:  "status=" + string(s),
		query: "status = ?",
		args:  []interface{}{s},
		match: func(r *model.Recipe) bool { return r.Status == s },
	}
}

// NutritionStatusIs requires the nutrition sub-status to be s.
func NutritionStatusIs(s model.Status) Condition {
	return Condition{
		name:  "nutrition_status=" + string(s),
		query: "nutrition_status = ?",
		args:  []interface{}{s},
		match: func(r *model.Recipe) bool { return r.Nutrition.Status == s },
	}
}

// ImageURLUnset requires that no image has been attached yet.
func ImageURLUnset() Condition {
	return Condition{
		name:  "image_url unset",
		query: "(image_url IS NULL OR image_url = '')",
		match: func(r *model.Recipe) bool { return r.ImageURL == "" },
	}
}

// Filter selects records for List and Subscribe. Zero fields match anything.
type Filter struct {
	IDs    []string
	Status model.Status
	Owner  string
	Limit  int
}

// Matches applies the filter to an in-memory record.
func (f Filter) Matches(r *model.Recipe) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == r.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Owner != "" && !r.OwnedBy(f.Owner) {
		return false
	}
	return true
}

// Cursor is a position in oldest-first order. The zero Cursor is the start.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After returns the cursor just past r.
func After(r *model.Recipe) Cursor {
	return Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Snapshot is one emission of a subscription: the full matching set.
// Synced is false when a change was seen but a record could not be re-read,
// so the set may be stale.
type Snapshot struct {
	Records []*model.Recipe `json:"records"`
	Synced  bool            `json:"synced"`
}
