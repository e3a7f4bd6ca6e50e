package db

import (
	"context"
	"sync"

	"pastelite/pkg/domain"
)

// Memory keeps pastes in process. Rows are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*memRow
}

type memRow struct {
	mu sync.Mutex
	p  domain.Paste
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*memRow)}
}

func (m *Memory) Insert(ctx context.Context, p *domain.Paste) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return ErrDuplicateID
	}
	m.rows[p.ID] = &memRow{p: clonePaste(p, 0)}
	return nil
}

func (m *Memory) Consume(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	row, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if !row.p.IsAccessible(nowMs) {
		return nil, ErrGone
	}
	row.p.Views++
	out := clonePaste(&row.p, row.p.Views)
	return &out, nil
}

// clonePaste shares no memory with p, so callers can never reach a stored row.
func clonePaste(p *domain.Paste, views int64) domain.Paste {
	out := *p
	out.Views = views
	out.TTLSeconds = cloneInt(p.TTLSeconds)
	out.MaxViews = cloneInt(p.MaxViews)
	out.Sealed = append([]byte(nil), p.Sealed...)
	out.WrappedDEK = append([]byte(nil), p.WrappedDEK...)
	return out
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
