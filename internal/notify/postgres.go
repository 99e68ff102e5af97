package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// Postgres uses LISTEN/NOTIFY on the database that already holds the records.
// Payloads are base64 msgpack because NOTIFY payloads must be text.
type Postgres struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// NewPostgres connects a pool to databaseURL. Events go out on channel.
func NewPostgres(ctx context.Context, databaseURL, channel string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect notify pool: %w", err)
	}
	return &Postgres{
		pool:    pool,
		channel: channel,
		logger:  logging.OrNop(logger).Named("notify.postgres"),
	}, nil
}

func (p *Postgres) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, base64.StdEncoding.EncodeToString(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Consume listens on a connection taken out of the pool for good, since the
// LISTEN belongs to the session. The connection is closed on return.
func (p *Postgres) Consume(ctx context.Context, _ string, h Handler) error {
	pooled, err := p.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	conn := pooled.Hijack()
	defer closeListener(conn, p.logger)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to listen on %s: %w", p.channel, err)
	}
	p.logger.Info("listening", zap.String("channel", p.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to wait for notification: %w", err)
		}

		raw, err := base64.StdEncoding.DecodeString(n.Payload)
		if err != nil {
			p.logger.Warn("dropping malformed notification", zap.Error(err))
			continue
		}
		ev, err := Decode(raw)
		if err != nil {
			p.logger.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		if err := h(ctx, ev); err != nil {
			p.logger.Warn("event handler failed", zap.String("record_id", ev.RecordID), zap.Error(err))
		}
	}
}

func closeListener(conn *pgx.Conn, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		logger.Debug("failed to close listen connection", zap.Error(err))
	}
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
