package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"pastelite/cfg"
	"pastelite/pkg/domain"
)

var (
	// ErrDuplicateID means Insert hit an existing primary key. Nothing was written.
	ErrDuplicateID = errors.New("paste id already exists")
	// ErrGone means the row exists but is expired or view-exhausted.
	// Callers must report it exactly like domain.ErrPasteNotFound.
	ErrGone = errors.New("paste expired or exhausted")
)

// Store is the durable pastes table.
//
// Consume is the only read path. It checks the expiry policy against the
// stored views and nowMs and increments views in one atomic step, returning
// the row as it is after the increment. Concurrent calls on the same id never
// record more than max_views successes.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	Consume(ctx context.Context, id string, nowMs int64) (*domain.Paste, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by STORAGE_DRIVER.
func Open(ctx context.Context, c *cfg.Cfg) (Store, error) {
	switch c.StorageDriver {
	case cfg.DriverSQLite:
		return NewSQLite(SQLiteConfig{
			Path:          c.DatabasePath,
			MaxOpenConns:  c.DBMaxOpenConns,
			MaxIdleConns:  c.DBMaxIdleConns,
			QueryTimeout:  c.DBQueryTimeout,
			ResponseFloor: c.DBResponseFloor,
		})
	case cfg.DriverPostgres:
		return NewPostgres(ctx, c.DatabaseDSN.Value(), int32(c.DBMaxOpenConns), c.DBQueryTimeout)
	case cfg.DriverRedis:
		return NewRedis(ctx, c)
	case cfg.DriverMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
}

// isMiss reports outcomes that say nothing about backend health.
func isMiss(err error) bool {
	return errors.Is(err, ErrGone) ||
		errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, domain.ErrPasteNotFound)
}
