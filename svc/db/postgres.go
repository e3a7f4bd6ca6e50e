package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"pastelite/pkg/domain"
)

const pgUniqueViolation = "23505"

type Postgres struct {
	pool         *pgxpool.Pool
	cb           *breaker
	queryTimeout time.Duration
}

func NewPostgres(ctx context.Context, dsn string, maxConns int32, queryTimeout time.Duration) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 10 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	p := &Postgres{pool: pool, cb: newBreaker(), queryTimeout: queryTimeout}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content BYTEA NOT NULL,
		encrypted_dek BYTEA,
		created_at BIGINT NOT NULL,
		ttl_seconds BIGINT,
		max_views BIGINT,
		views BIGINT NOT NULL DEFAULT 0
	)`)
	return err
}

func (p *Postgres) Insert(ctx context.Context, paste *domain.Paste) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var dek []byte
	if paste.IsSealed() {
		dek = paste.WrappedDEK
	}
	_, err := p.pool.Exec(queryCtx, `
	INSERT INTO pastes (id, content, encrypted_dek, created_at, ttl_seconds, max_views, views)
	VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		paste.ID, paste.StoredContent(), dek, paste.CreatedAt, paste.TTLSeconds, paste.MaxViews,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		err = ErrDuplicateID
	}
	p.cb.record(err)
	if err == ErrDuplicateID {
		return err
	}
	return errors.Wrap(err, "db insert")
}

// Consume relies on READ COMMITTED re-checking the WHERE clause against the
// latest row version once the row lock is acquired.
func (p *Postgres) Consume(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	paste := domain.Paste{ID: id}
	var content, dek []byte
	err := p.pool.QueryRow(queryCtx, `
	UPDATE pastes SET views = views + 1
	WHERE id = $1
		AND (max_views IS NULL OR views < max_views)
		AND (ttl_seconds IS NULL OR $2 < created_at + ttl_seconds * 1000)
	RETURNING content, encrypted_dek, created_at, ttl_seconds, max_views, views`,
		id, nowMs,
	).Scan(&content, &dek, &paste.CreatedAt, &paste.TTLSeconds, &paste.MaxViews, &paste.Views)
	if errors.Is(err, pgx.ErrNoRows) {
		err = p.missReason(queryCtx, id)
	}
	p.cb.record(err)
	if err != nil {
		if isMiss(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "db consume")
	}
	paste.SetStoredContent(content, dek)
	return &paste, nil
}

func (p *Postgres) missReason(ctx context.Context, id string) error {
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM pastes WHERE id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrPasteNotFound
	case err != nil:
		return err
	}
	return ErrGone
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
