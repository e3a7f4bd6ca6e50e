package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

// breaker trips after maxFailures consecutive I/O errors and lets a single
// probe through once the cooldown has passed.
type breaker struct {
	failures int32
	state    int32
	opened   int64
	now      func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.opened)
		if b.now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		// another caller holds the probe
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil || isMiss(err) || errors.Is(err, sql.ErrNoRows) {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.state, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// an abandoned probe proved nothing; the cooldown has already passed,
		// so the next check may probe again
		atomic.CompareAndSwapInt32(&b.state, circuitHalfOpen, circuitOpen)
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen {
		atomic.StoreInt32(&b.state, circuitOpen)
		atomic.StoreInt64(&b.opened, b.now().Unix())
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.state) == circuitClosed {
		atomic.StoreInt32(&b.state, circuitOpen)
		atomic.StoreInt64(&b.opened, b.now().Unix())
	}
}
