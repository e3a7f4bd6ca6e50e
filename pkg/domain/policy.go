package domain

// ExpiresAt returns created_at + ttl in ms, and false when the paste has no ttl.
func (p *Paste) ExpiresAt() (int64, bool) {
	if p.TTLSeconds == nil {
		return 0, false
	}
	return p.CreatedAt + *p.TTLSeconds*1000, true
}

func (p *Paste) IsTimeExpired(nowMs int64) bool {
	exp, ok := p.ExpiresAt()
	return ok && nowMs >= exp
}

func (p *Paste) IsViewExhausted() bool {
	return p.MaxViews != nil && p.Views >= *p.MaxViews
}

// IsAccessible is the whole visibility policy. Storage backends evaluate
// the same predicate inside their atomic consume step.
func (p *Paste) IsAccessible(nowMs int64) bool {
	return !p.IsTimeExpired(nowMs) && !p.IsViewExhausted()
}

// RemainingViews is computed from the current (post-increment) count and
// never goes below zero. Nil means unlimited.
func (p *Paste) RemainingViews() *int64 {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.Views
	if left < 0 {
		left = 0
	}
	return &left
}

// NewView builds the fetch result for a paste whose view was just recorded.
func NewView(p *Paste, content string) *View {
	v := &View{
		Content:        content,
		RemainingViews: p.RemainingViews(),
	}
	if exp, ok := p.ExpiresAt(); ok {
		v.ExpiresAt = &exp
	}
	return v
}
