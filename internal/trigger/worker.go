package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/notify"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/stage"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
)

// Backlog pages through records that may still need work, oldest first.
type Backlog interface {
	AwaitingWork(ctx context.Context, after store.Cursor, limit int) ([]*model.Recipe, error)
}

// WorkerConfig tunes a Worker. Zero values take defaults.
type WorkerConfig struct {
	Group       string
	Concurrency int
	// SweepInterval re-routes records that still need work, covering events
	// that were lost or dropped. Zero disables the sweep.
	SweepInterval time.Duration
	// SweepPageSize is how many records one backlog query reads.
	SweepPageSize int
}

// Worker feeds change events to the router with bounded concurrency.
type Worker struct {
	notifier notify.Notifier
	router   *Router
	backlog  Backlog
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker builds a worker. A nil backlog disables the sweep.
func NewWorker(n notify.Notifier, router *Router, backlog Backlog, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = 200
	}
	if cfg.Group == "" {
		cfg.Group = "stage-trigger-router"
	}
	return &Worker{
		notifier: n,
		router:   router,
		backlog:  backlog,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("worker"),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		zap.String("group", w.cfg.Group),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("sweep_interval", w.cfg.SweepInterval))

	handlers := new(errgroup.Group)
	handlers.SetLimit(w.cfg.Concurrency)

	loops, loopCtx := errgroup.WithContext(ctx)
	loops.Go(func() error {
		return w.notifier.Consume(loopCtx, w.cfg.Group, func(hctx context.Context, ev notify.Event) error {
			// Go blocks while the pool is full, which holds back the consumer.
			handlers.Go(func() error {
				return w.router.HandleEvent(hctx, ev)
			})
			return nil
		})
	})
	if w.cfg.SweepInterval > 0 && w.backlog != nil {
		loops.Go(func() error {
			w.sweepLoop(loopCtx, handlers)
			return nil
		})
	}

	err := loops.Wait()
	_ = handlers.Wait()
	w.router.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) sweepLoop(ctx context.Context, handlers *errgroup.Group) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := w.Sweep(ctx, handlers)
			if n > 0 {
				w.logger.Info("sweep re-routed recipes", zap.Int("count", n))
			}
		}
	}
}

// Sweep routes every record that still needs work through the pool and
// returns how many it queued. It walks the whole backlog, oldest first, so a
// stuck record is reached however many newer records exist. The router's
// claims drop records that are already being worked on.
func (w *Worker) Sweep(ctx context.Context, handlers *errgroup.Group) int {
	ctx = authz.WithPrincipal(ctx, stage.Principal)
	queued := 0
	var cursor store.Cursor
	for ctx.Err() == nil {
		recs, err := w.backlog.AwaitingWork(ctx, cursor, w.cfg.SweepPageSize)
		if err != nil {
			w.logger.Warn("sweep failed to list recipes", zap.Error(err))
			return queued
		}
		for _, rec := range recs {
			if len(Decide(rec)) == 0 {
				continue
			}
			ev := notify.NewEvent(rec.ID, notify.EventUpdated)
			handlers.Go(func() error {
				return w.router.HandleEvent(ctx, ev)
			})
			queued++
		}
		if len(recs) < w.cfg.SweepPageSize {
			break
		}
		next := store.After(recs[len(recs)-1])
		if next == cursor {
			break
		}
		cursor = next
	}
	return queued
}
