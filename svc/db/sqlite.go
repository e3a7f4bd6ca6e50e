package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"pastelite/pkg/domain"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLiteConfig struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// ResponseFloor pads Consume to at least this long, with up to 40% jitter.
	// Zero disables it.
	ResponseFloor time.Duration
}

type SQLite struct {
	db           *sql.DB
	cb           *breaker
	queryTimeout time.Duration
	floor        time.Duration
}

// sqliteDSN puts the pragmas on the DSN so every pooled connection gets them,
// not only the one that happens to run a PRAGMA statement.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func NewSQLite(c SQLiteConfig) (*SQLite, error) {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	db, err := sql.Open("sqlite3", sqliteDSN(c.Path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		cb:           newBreaker(),
		queryTimeout: c.QueryTimeout,
		floor:        c.ResponseFloor,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		encrypted_dek BLOB,
		created_at INTEGER NOT NULL,
		ttl_seconds INTEGER,
		max_views INTEGER,
		views INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

func normalizeResponseTime(start time.Time, floor time.Duration) {
	if floor <= 0 {
		return
	}
	jitterRange := floor * 2 / 5
	var jitter time.Duration
	var b [8]byte
	if jitterRange > 0 {
		if _, err := rand.Read(b[:]); err != nil {
			jitter = jitterRange / 2
		} else {
			jitter = time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(jitterRange))
		}
	}
	if elapsed := time.Since(start); elapsed < floor+jitter {
		time.Sleep(floor + jitter - elapsed)
	}
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
	INSERT INTO pastes (id, content, encrypted_dek, created_at, ttl_seconds, max_views, views)
	VALUES (?, ?, ?, ?, ?, ?, 0)`,
		p.ID, p.StoredContent(), nullBytes(p.WrappedDEK), p.CreatedAt, p.TTLSeconds, p.MaxViews,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		err = ErrDuplicateID
	}
	s.cb.record(err)
	if err == ErrDuplicateID {
		return err
	}
	return errors.Wrap(err, "db insert")
}

func (s *SQLite) Consume(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	start := time.Now()
	defer normalizeResponseTime(start, s.floor)
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	p := domain.Paste{ID: id}
	var (
		content, dek []byte
		ttl, maxV    sql.NullInt64
	)
	err := s.db.QueryRowContext(queryCtx, `
	UPDATE pastes SET views = views + 1
	WHERE id = ?
		AND (max_views IS NULL OR views < max_views)
		AND (ttl_seconds IS NULL OR ? < created_at + ttl_seconds * 1000)
	RETURNING content, encrypted_dek, created_at, ttl_seconds, max_views, views`,
		id, nowMs,
	).Scan(&content, &dek, &p.CreatedAt, &ttl, &maxV, &p.Views)
	if err == sql.ErrNoRows {
		err = s.missReason(queryCtx, id)
	}
	s.cb.record(err)
	if err != nil {
		if isMiss(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "db consume")
	}
	p.TTLSeconds = nullInt(ttl)
	p.MaxViews = nullInt(maxV)
	p.SetStoredContent(content, dek)
	return &p, nil
}

// missReason tells a dead row apart from an id that was never stored.
func (s *SQLite) missReason(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE id = ?`, id).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return domain.ErrPasteNotFound
	case err != nil:
		return err
	}
	return ErrGone
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
