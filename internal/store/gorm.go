package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// GormStore keeps records in postgres (or sqlite for local runs and tests)
// and announces every successful write on the notifier.
type GormStore struct {
	db       *gorm.DB
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewGormStore wraps db. A nil notifier stores without announcing changes.
func NewGormStore(db *gorm.DB, notifier notify.Notifier, logger *zap.Logger) *GormStore {
	return &GormStore{
		db:       db,
		notifier: notifier,
		logger:   logging.OrNop(logger).Named("store"),
	}
}

// Create inserts a new PENDING record owned by the caller. Lifecycle fields
// on r are ignored.
func (s *GormStore) Create(ctx context.Context, r *model.Recipe) (*model.Recipe, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if err := r.Source.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}

	rec := &model.Recipe{
		Status:    model.StatusPending,
		Nutrition: model.NutritionalInformation{Status: model.StatusPending},
		Source:    r.Source,
		Owners:    append(model.JSONBStringArray{}, r.Owners...),
		CreatedBy: r.CreatedBy,
	}
	if !p.IsService() {
		rec.CreatedBy = p.ID
		if !rec.Owners.Contains(p.ID) {
			rec.Owners = append(rec.Owners, p.ID)
		}
	} else if rec.CreatedBy == "" {
		rec.CreatedBy = p.ID
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create recipe: %w", err)
	}

	s.publish(ctx, notify.NewEvent(rec.ID, notify.EventCreated))
	return rec, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*model.Recipe, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsService() && !rec.OwnedBy(p.ID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

// Update writes only the patch's fields, and only if every condition holds.
// A record that exists but fails a condition yields ErrConditionFailed and no
// change event.
func (s *GormStore) Update(ctx context.Context, id string, patch Patch, conds ...Condition) (*model.Recipe, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if patch.IsEmpty() {
		return nil, ErrEmptyPatch
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	if !p.IsService() {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	tx := s.db.WithContext(ctx).Model(&model.Recipe{}).Where("id = ?", id)
	for _, c := range conds {
		tx = tx.Where(c.query, c.args...)
	}
	res := tx.Updates(patch.columns())
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update recipe: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		if _, err := s.load(ctx, id); err != nil {
			return nil, err
		}
		names := make([]string, len(conds))
		for i, c := range conds {
			names[i] = c.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrConditionFailed, strings.Join(names, ", "))
	}

	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notify.NewEvent(id, notify.EventUpdated))
	return rec, nil
}

// List returns matching records, newest first. Callers other than services
// only ever see records they own.
func (s *GormStore) List(ctx context.Context, f Filter) ([]*model.Recipe, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !p.IsService() {
		f.Owner = p.ID
	}

	q := s.db.WithContext(ctx).Model(&model.Recipe{}).Order("created_at DESC")
	if len(f.IDs) > 0 {
		ids := make([]string, 0, len(f.IDs))
		for _, id := range f.IDs {
			if _, err := uuid.Parse(id); err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return []*model.Recipe{}, nil
		}
		q = q.Where("id IN ?", ids)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Owner != "" {
		q = s.whereOwner(q, f.Owner)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var recs []*model.Recipe
	if err := q.Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}
	return recs, nil
}

// AwaitingWork pages through records the pipeline has not finished with,
// oldest first: PENDING records and SUCCESS records whose nutrition is still
// PENDING. Only the pipeline service may call it.
func (s *GormStore) AwaitingWork(ctx context.Context, after Cursor, limit int) ([]*model.Recipe, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !p.IsService() {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	q := s.db.WithContext(ctx).Model(&model.Recipe{}).
		Where("status = ? OR (status = ? AND nutrition_status = ?)",
			model.StatusPending, model.StatusSuccess, model.StatusPending)
	if after.ID != "" {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var recs []*model.Recipe
	if err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recipes awaiting work: %w", err)
	}
	return recs, nil
}

func (s *GormStore) whereOwner(q *gorm.DB, owner string) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return q.Where("owners @> ?::jsonb", model.JSONBStringArray{owner})
	}
	return q.Where("EXISTS (SELECT 1 FROM json_each(recipes.owners) WHERE json_each.value = ?)", owner)
}

func (s *GormStore) load(ctx context.Context, id string) (*model.Recipe, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var rec model.Recipe
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}
	return &rec, nil
}

// publish failures are logged, not returned: the write already happened, and
// a missed event leaves the record visibly PENDING rather than wrong.
func (s *GormStore) publish(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish change event",
			zap.String("recipe_id", ev.RecordID), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func sortNewestFirst(recs []*model.Recipe) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
