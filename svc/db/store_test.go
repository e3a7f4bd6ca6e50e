package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pastelite/pkg/domain"
	"pastelite/svc/util"
)

func i64(v int64) *int64 { return &v }

type storeFactory func(t *testing.T) Store

func stores(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "pastes.db")})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisFromClient(client, "test", time.Second)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("PASTELITE_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgres(context.Background(), dsn, 10, 5*time.Second)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), "TRUNCATE pastes")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func newPaste(ttl, maxViews *int64) *domain.Paste {
	id, err := util.RandomID(util.DefaultIDLength)
	if err != nil {
		panic(err)
	}
	return &domain.Paste{
		ID:         id,
		Content:    "hello <world> & friends\n",
		CreatedAt:  1000,
		TTLSeconds: ttl,
		MaxViews:   maxViews,
	}
}

func TestStoreInsertConsume(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPaste(nil, nil)
		require.NoError(t, s.Insert(ctx, p))

		for i := int64(1); i <= 3; i++ {
			got, err := s.Consume(ctx, p.ID, 1_000_000_000)
			require.NoError(t, err)
			assert.Equal(t, p.Content, got.Content)
			assert.Equal(t, i, got.Views)
			assert.Equal(t, int64(1000), got.CreatedAt)
			assert.Nil(t, got.TTLSeconds)
			assert.Nil(t, got.MaxViews)
			assert.False(t, got.IsSealed())
		}
	})
}

func TestStoreMissingID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Consume(context.Background(), "nope", 0)
		assert.ErrorIs(t, err, domain.ErrPasteNotFound)
	})
}

func TestStoreDuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPaste(nil, nil)
		require.NoError(t, s.Insert(ctx, p))
		dup := newPaste(i64(5), nil)
		dup.ID = p.ID
		dup.Content = "other"
		assert.ErrorIs(t, s.Insert(ctx, dup), ErrDuplicateID)

		got, err := s.Consume(ctx, p.ID, 2000)
		require.NoError(t, err)
		assert.Equal(t, p.Content, got.Content, "first row must be untouched")
		assert.Nil(t, got.TTLSeconds)
	})
}

func TestStoreMaxViews(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPaste(nil, i64(2))
		require.NoError(t, s.Insert(ctx, p))

		got, err := s.Consume(ctx, p.ID, 2000)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Views)
		require.NotNil(t, got.MaxViews)
		assert.Equal(t, int64(2), *got.MaxViews)

		got, err = s.Consume(ctx, p.ID, 2000)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Views)

		_, err = s.Consume(ctx, p.ID, 2000)
		assert.ErrorIs(t, err, ErrGone)
		_, err = s.Consume(ctx, p.ID, 2000)
		assert.ErrorIs(t, err, ErrGone)
	})
}

func TestStoreTTLBoundary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPaste(i64(10), nil)
		require.NoError(t, s.Insert(ctx, p))

		got, err := s.Consume(ctx, p.ID, 10_999)
		require.NoError(t, err)
		require.NotNil(t, got.TTLSeconds)
		assert.Equal(t, int64(10), *got.TTLSeconds)

		_, err = s.Consume(ctx, p.ID, 11_000)
		assert.ErrorIs(t, err, ErrGone)

		// a dead paste does not count the failed attempt
		_, err = s.Consume(ctx, p.ID, 11_000)
		assert.ErrorIs(t, err, ErrGone)
	})
}

func TestStoreSealedRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := newPaste(nil, nil)
		p.Content = ""
		p.Sealed = []byte{0x00, 0xff, 0x10, 'x'}
		p.WrappedDEK = []byte("vault:v1:abc")
		require.NoError(t, s.Insert(ctx, p))

		got, err := s.Consume(ctx, p.ID, 2000)
		require.NoError(t, err)
		assert.True(t, got.IsSealed())
		assert.Equal(t, p.Sealed, got.Sealed)
		assert.Equal(t, p.WrappedDEK, got.WrappedDEK)
		assert.Empty(t, got.Content)
	})
}

func TestStoreKeepsNoCallerMemory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ttl, maxViews := int64(100), int64(3)
		p := newPaste(&ttl, &maxViews)
		require.NoError(t, s.Insert(ctx, p))

		ttl, maxViews = 1, 1
		got, err := s.Consume(ctx, p.ID, 5000)
		require.NoError(t, err)
		require.NotNil(t, got.TTLSeconds)
		require.NotNil(t, got.MaxViews)
		assert.Equal(t, int64(100), *got.TTLSeconds)
		assert.Equal(t, int64(3), *got.MaxViews)

		*got.MaxViews = 1
		again, err := s.Consume(ctx, p.ID, 5000)
		require.NoError(t, err)
		assert.Equal(t, int64(3), *again.MaxViews)
		assert.Equal(t, int64(2), again.Views)
	})
}

func TestStoreConcurrentConsume(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const maxViews = 5
		p := newPaste(nil, i64(maxViews))
		require.NoError(t, s.Insert(ctx, p))

		var (
			wg        sync.WaitGroup
			successes int64
			gone      int64
		)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Consume(ctx, p.ID, 2000)
				switch {
				case err == nil:
					atomic.AddInt64(&successes, 1)
				case err == ErrGone:
					atomic.AddInt64(&gone, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(maxViews), successes)
		assert.Equal(t, int64(40-maxViews), gone)
	})
}

func TestStorePing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteResponseFloor(t *testing.T) {
	s, err := NewSQLite(SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "floor.db"),
		ResponseFloor: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	_, err = s.Consume(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSQLiteCheckpoint(t *testing.T) {
	s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "wal.db")})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Insert(context.Background(), newPaste(nil, nil)))
	assert.NoError(t, s.checkpoint(context.Background()))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "data.db?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", sqliteDSN("data.db"))
	assert.Equal(t, "file:x?mode=memory&_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", sqliteDSN("file:x?mode=memory"))
}
