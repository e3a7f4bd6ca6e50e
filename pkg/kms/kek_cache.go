package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped data keys for a short while so hot pastes do
// not hit the KMS on every view. Concurrent misses for the same key share
// one unwrap call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKEK struct {
	unwrappedDEK []byte
	expiresAt    time.Time
	mu           sync.RWMutex
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// DecryptDEK returns a copy the caller may wipe.
func (c *KEKCache) DecryptDEK(ctx context.Context, wrappedDEK []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrappedDEK, encContext)
	if dek, ok := c.lookup(cacheKey); ok {
		return dek, nil
	}
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if dek, ok := c.lookup(cacheKey); ok {
			return dek, nil
		}
		unwrapped, err := c.adapter.Decrypt(ctx, wrappedDEK, encContext)
		if err != nil {
			return nil, err
		}
		entry := &cachedKEK{
			unwrappedDEK: make([]byte, len(unwrapped)),
			expiresAt:    time.Now().Add(c.ttl).Add(hashToJitter(cacheKey, int64(c.ttl/10))),
		}
		copy(entry.unwrappedDEK, unwrapped)
		wipeBytes(unwrapped)
		c.cache.Store(cacheKey, entry)
		return entry.copyDEK(), nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight hands the same slice to every waiter
	shared := result.([]byte)
	dek := make([]byte, len(shared))
	copy(dek, shared)
	return dek, nil
}

func (c *KEKCache) lookup(cacheKey string) ([]byte, bool) {
	cached, ok := c.cache.Load(cacheKey)
	if !ok {
		return nil, false
	}
	entry := cached.(*cachedKEK)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if time.Now().After(entry.expiresAt) || entry.unwrappedDEK == nil {
		return nil, false
	}
	return entry.copyDEKLocked(), true
}

func (e *cachedKEK) copyDEK() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.copyDEKLocked()
}

func (e *cachedKEK) copyDEKLocked() []byte {
	dek := make([]byte, len(e.unwrappedDEK))
	copy(dek, e.unwrappedDEK)
	return dek
}

func cacheKeyFor(wrappedDEK []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrappedDEK)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitterMs int64) time.Duration {
	if maxJitterMs <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMs) * time.Millisecond
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.unwrappedDEK)
			entry.unwrappedDEK = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

// Stop wipes every cached key. Later calls fail with ErrProviderUnavailable.
func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		wipeBytes(entry.unwrappedDEK)
		entry.unwrappedDEK = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type CacheStats struct {
	Entries int
	Expired int
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}
