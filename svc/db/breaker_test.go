package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pastelite/pkg/domain"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker()
	b.now = func() time.Time { return now }

	ioErr := errors.New("disk I/O error")
	for i := 0; i < maxFailures; i++ {
		assert.NoError(t, b.check())
		b.record(ioErr)
	}
	assert.ErrorIs(t, b.check(), ErrCircuitOpen)

	now = now.Add(cooldownSeconds * time.Second)
	assert.NoError(t, b.check(), "half-open lets a probe through")
	b.record(ioErr)
	assert.ErrorIs(t, b.check(), ErrCircuitOpen, "failed probe reopens")

	now = now.Add(cooldownSeconds * time.Second)
	assert.NoError(t, b.check())
	b.record(nil)
	assert.NoError(t, b.check())
}

func TestBreakerHalfOpenAdmitsOneCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker()
	b.now = func() time.Time { return now }
	for i := 0; i < maxFailures; i++ {
		b.record(errors.New("disk I/O error"))
	}
	now = now.Add(cooldownSeconds * time.Second)

	assert.NoError(t, b.check())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.check(), ErrCircuitOpen)
	}

	// a cancelled probe hands the slot to the next caller
	b.record(context.Canceled)
	assert.NoError(t, b.check())
	assert.ErrorIs(t, b.check(), ErrCircuitOpen)

	b.record(nil)
	for i := 0; i < 3; i++ {
		assert.NoError(t, b.check())
	}
}

func TestBreakerConcurrentHalfOpen(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker()
	b.now = func() time.Time { return now }
	for i := 0; i < maxFailures; i++ {
		b.record(errors.New("disk I/O error"))
	}
	now = now.Add(cooldownSeconds * time.Second)

	var (
		wg       sync.WaitGroup
		admitted int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.check() == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted)
}

func TestBreakerIgnoresMisses(t *testing.T) {
	b := newBreaker()
	for i := 0; i < maxFailures*2; i++ {
		b.record(ErrGone)
		b.record(domain.ErrPasteNotFound)
		b.record(ErrDuplicateID)
		b.record(context.Canceled)
	}
	assert.NoError(t, b.check())
}
