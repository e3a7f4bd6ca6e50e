package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"pastelite/metrics"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/util"
)

// Sealer encrypts paste content at rest. *kms.Sealer implements it.
type Sealer interface {
	Seal(ctx context.Context, id string, content []byte) (sealed, wrappedDEK []byte, err error)
	Open(ctx context.Context, id string, sealed, wrappedDEK []byte) ([]byte, error)
}

type IDGenerator func(length int, claim func(id string) (taken bool, err error)) (string, error)

type Paste struct {
	store    db.Store
	clock    clock.Clock
	tombs    *cache.Tombstones
	sealer   Sealer
	idLength int
	maxSize  int
	genID    IDGenerator

	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

type Option func(*Paste)

func WithTombstones(t *cache.Tombstones) Option {
	return func(p *Paste) { p.tombs = t }
}

func WithSealer(s Sealer) Option {
	return func(p *Paste) { p.sealer = s }
}

func WithIDLength(n int) Option {
	return func(p *Paste) { p.idLength = n }
}

// WithMaxSize limits content to n bytes. Zero means no limit.
func WithMaxSize(n int) Option {
	return func(p *Paste) { p.maxSize = n }
}

func WithIDGenerator(g IDGenerator) Option {
	return func(p *Paste) { p.genID = g }
}

func NewPaste(store db.Store, clk clock.Clock, opts ...Option) *Paste {
	if store == nil || clk == nil {
		panic("paste service: nil dependency (store or clock)")
	}
	p := &Paste{
		store:    store,
		clock:    clk,
		idLength: util.DefaultIDLength,
		genID:    util.GenID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Paste) nowMillis() int64 {
	return p.clock.Now().UnixMilli()
}

// enter registers an in-flight operation unless shutdown has begun.
func (p *Paste) enter() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Create validates params, stores a new paste and returns it with views = 0.
// The row is either fully written or not at all.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := params.Validate(p.maxSize); err != nil {
		return nil, err
	}

	paste := &domain.Paste{
		CreatedAt:  p.nowMillis(),
		TTLSeconds: params.TTLSeconds,
		MaxViews:   params.MaxViews,
	}
	id, err := p.genID(p.idLength, func(id string) (bool, error) {
		paste.ID = id
		if err := p.prepare(ctx, paste, params.Content); err != nil {
			return false, err
		}
		err := p.store.Insert(ctx, paste)
		if errors.Is(err, db.ErrDuplicateID) {
			metrics.IDCollisions.Inc()
			return true, nil
		}
		return false, err
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("create").Inc()
		if errors.Is(err, util.ErrIDExhausted) {
			util.Error().Err(err).Msg("id space exhausted")
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, domain.Storage("create paste", err)
	}

	paste.ID = id
	paste.Content = params.Content
	paste.Sealed = nil
	paste.WrappedDEK = nil
	metrics.PasteCreated.Inc()
	util.Debug().
		Str("id", id).
		Str("content", util.RedactPasteContent(params.Content)).
		Bool("sealed", p.sealer != nil).
		Msg("paste created")
	return paste, nil
}

// prepare fills the stored form of content for the id currently in paste.ID.
func (p *Paste) prepare(ctx context.Context, paste *domain.Paste, content string) error {
	if p.sealer == nil {
		paste.SetStoredContent([]byte(content), nil)
		return nil
	}
	sealed, wrapped, err := p.sealer.Seal(ctx, paste.ID, []byte(content))
	if err != nil {
		return errors.Wrap(err, "seal paste")
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
	paste.SetStoredContent(sealed, wrapped)
	return nil
}

// Fetch records one view and returns the content, or domain.ErrPasteNotFound
// when the id is unknown, expired or out of views. The three cases are
// indistinguishable to the caller.
func (p *Paste) Fetch(ctx context.Context, id string) (*domain.View, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if id == "" {
		metrics.PasteNotFound.WithLabelValues("absent").Inc()
		return nil, domain.ErrPasteNotFound
	}
	if p.tombs.Dead(id) {
		metrics.TombstoneHits.Inc()
		metrics.PasteNotFound.WithLabelValues("tombstone").Inc()
		return nil, domain.ErrPasteNotFound
	}

	paste, err := p.store.Consume(ctx, id, p.nowMillis())
	switch {
	case err == nil:
	case errors.Is(err, db.ErrGone):
		p.tombs.Bury(id)
		metrics.PasteNotFound.WithLabelValues("expired").Inc()
		return nil, domain.ErrPasteNotFound
	case errors.Is(err, domain.ErrPasteNotFound):
		metrics.PasteNotFound.WithLabelValues("absent").Inc()
		return nil, domain.ErrPasteNotFound
	default:
		metrics.StorageErrors.WithLabelValues("fetch").Inc()
		return nil, domain.Storage("fetch paste", err)
	}

	// this was the last permitted view
	if paste.IsViewExhausted() {
		p.tombs.Bury(id)
	}

	content := paste.Content
	if paste.IsSealed() {
		if p.sealer == nil {
			metrics.StorageErrors.WithLabelValues("open").Inc()
			return nil, domain.Storage("open paste", errors.New("paste is encrypted but no sealer is configured"))
		}
		plain, err := p.sealer.Open(ctx, id, paste.Sealed, paste.WrappedDEK)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("open").Inc()
			return nil, domain.Storage("open paste", err)
		}
		metrics.EncryptionOps.WithLabelValues("decrypt").Inc()
		content = string(plain)
		util.Wipe(plain)
	}
	metrics.PasteRetrieved.Inc()
	return domain.NewView(paste, content), nil
}

// Ping reports whether storage is reachable.
func (p *Paste) Ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return domain.Storage("ping storage", err)
	}
	return nil
}

// Shutdown rejects new operations and waits for in-flight ones, up to ctx.
func (p *Paste) Shutdown(ctx context.Context) error {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug().Msg("paste service shutdown complete")
		return nil
	case <-ctx.Done():
		util.Warn().Msg("in-flight paste operations did not finish in time")
		return ctx.Err()
	}
}

// ShutdownTimeout is Shutdown with its own deadline.
func (p *Paste) ShutdownTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.Shutdown(ctx)
}
