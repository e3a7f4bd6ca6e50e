package domain

import (
	"strings"
	"unicode/utf8"
)

// Paste is one stored row. Only Views ever changes after Create.
type Paste struct {
	ID         string
	Content    string
	CreatedAt  int64 // ms since epoch
	TTLSeconds *int64
	MaxViews   *int64
	Views      int64

	// Set instead of Content when the row is encrypted at rest.
	Sealed     []byte
	WrappedDEK []byte
}

// StoredContent is the byte form written to the content column.
func (p *Paste) StoredContent() []byte {
	if len(p.WrappedDEK) > 0 {
		return p.Sealed
	}
	return []byte(p.Content)
}

// SetStoredContent is the inverse of StoredContent for rows read back from storage.
func (p *Paste) SetStoredContent(content, wrappedDEK []byte) {
	if len(wrappedDEK) > 0 {
		p.Sealed = content
		p.WrappedDEK = wrappedDEK
		p.Content = ""
		return
	}
	p.Content = string(content)
	p.Sealed = nil
	p.WrappedDEK = nil
}

func (p *Paste) IsSealed() bool {
	return len(p.WrappedDEK) > 0
}

const (
	// MaxTTLSeconds keeps created_at + ttl in ms exactly representable as a
	// float64, which is how the Redis consume script compares it.
	MaxTTLSeconds = 1 << 40
	MaxViewsLimit = 1<<53 - 1
)

type CreateParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
}

// Validate checks the request shape. maxSize <= 0 disables the size limit.
func (c CreateParams) Validate(maxSize int) error {
	if strings.TrimSpace(c.Content) == "" {
		return ErrContentRequired
	}
	if maxSize > 0 && len(c.Content) > maxSize {
		return ErrPasteTooLarge
	}
	if !utf8.ValidString(c.Content) {
		return ErrInvalidEncoding
	}
	if c.TTLSeconds != nil && (*c.TTLSeconds < 1 || *c.TTLSeconds > MaxTTLSeconds) {
		return ErrInvalidTTL
	}
	if c.MaxViews != nil && (*c.MaxViews < 1 || *c.MaxViews > MaxViewsLimit) {
		return ErrInvalidMaxViews
	}
	return nil
}

// View is what a successful fetch hands back to the caller.
type View struct {
	Content        string `json:"content"`
	RemainingViews *int64 `json:"remaining_views"`
	ExpiresAt      *int64 `json:"expires_at"`
}
