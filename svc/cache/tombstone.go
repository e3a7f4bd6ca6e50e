package cache

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxTombstones = 1_000_000

// Tombstones remembers ids whose paste reached a terminal state. Expired and
// view-exhausted pastes never come back, so a hit can skip storage entirely.
// Ids that were simply never stored must not be added: one could be created later.
type Tombstones struct {
	c *lru.Cache[string, struct{}]
}

func NewTombstones(size int) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("tombstone cache size must be positive")
	}
	if size > maxTombstones {
		return nil, errors.New("tombstone cache size too large")
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c}, nil
}

// Dead reports whether id is known to be expired or exhausted. A nil
// receiver knows nothing.
func (t *Tombstones) Dead(id string) bool {
	if t == nil {
		return false
	}
	return t.c.Contains(id)
}

func (t *Tombstones) Bury(id string) {
	if t == nil {
		return
	}
	t.c.Add(id, struct{}{})
}

func (t *Tombstones) Len() int {
	if t == nil {
		return 0
	}
	return t.c.Len()
}
