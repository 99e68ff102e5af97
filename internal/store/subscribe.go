package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
)

// Subscribe emits the current matching set, then the updated set after every
// change event that touches a matching record. The channel closes when ctx
// ends. Duplicate events produce duplicate snapshots.
func (s *GormStore) Subscribe(ctx context.Context, f Filter) (<-chan Snapshot, error) {
	p, err := authz.Require(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if s.notifier == nil {
		return nil, errors.New("subscriptions require a notifier")
	}
	if !p.IsService() {
		f.Owner = p.ID
	}

	subCtx, cancel := context.WithCancel(ctx)

	// Start listening before the initial read so changes made during the read
	// are replayed afterwards.
	events := make(chan notify.Event, 64)
	go func() {
		defer close(events)
		err := s.notifier.Consume(subCtx, "", func(ctx context.Context, ev notify.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			s.logger.Warn("subscription consumer stopped", zap.Error(err))
		}
	}()

	initial, err := s.List(subCtx, f)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		defer cancel()

		v := newView(f, initial)
		if !emit(subCtx, out, v.snapshot(true)) {
			return
		}
		for ev := range events {
			rec, err := s.Get(subCtx, ev.RecordID)
			if subCtx.Err() != nil {
				return
			}
			changed, synced := v.apply(ev.RecordID, rec, err)
			if !changed {
				continue
			}
			if !synced {
				s.logger.Debug("subscription view is stale", zap.String("recipe_id", ev.RecordID), zap.Error(err))
			}
			if !emit(subCtx, out, v.snapshot(synced)) {
				return
			}
		}
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- Snapshot, snap Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// view is the subscriber's current matching set.
type view struct {
	filter  Filter
	records map[string]*model.Recipe
}

func newView(f Filter, initial []*model.Recipe) *view {
	v := &view{filter: f, records: make(map[string]*model.Recipe, len(initial))}
	for _, r := range initial {
		v.records[r.ID] = r
	}
	return v
}

// apply folds a re-read of id into the view and reports whether the set
// changed and whether the re-read succeeded.
func (v *view) apply(id string, rec *model.Recipe, err error) (changed, synced bool) {
	_, present := v.records[id]
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		if present {
			delete(v.records, id)
			return true, true
		}
		return false, true
	case err != nil:
		return present, false
	case v.filter.Matches(rec):
		v.records[id] = rec
		return true, true
	case present:
		delete(v.records, id)
		return true, true
	default:
		return false, true
	}
}

func (v *view) snapshot(synced bool) Snapshot {
	recs := make([]*model.Recipe, 0, len(v.records))
	for _, r := range v.records {
		recs = append(recs, r)
	}
	sortNewestFirst(recs)
	return Snapshot{Records: recs, Synced: synced}
}
