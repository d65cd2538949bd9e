// Package limiter provides per-instance rate limiting for outbound sends with
// a token bucket algorithm.
package limiter

import (
	"fmt"
	"sync"
	"time"
)

// ErrRateLimit is returned when an instance has exhausted its send budget for
// the current window.
var ErrRateLimit = fmt.Errorf("send rate limit exceeded")

// Limiter manages one token bucket per transport instance. A zero or negative
// rate disables limiting.
type Limiter struct {
	instances map[string]*instanceLimiter
	perMinute int
	burst     int
	mu        sync.RWMutex
}

// instanceLimiter enforces the send rate for a single instance. Tokens refill
// continuously; burst caps the bucket.
type instanceLimiter struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewLimiter creates a limiter allowing perMinute sends per instance with the
// given burst capacity. Burst defaults to perMinute when zero.
func NewLimiter(perMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		instances: make(map[string]*instanceLimiter),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Reserve consumes one send token for the instance, creating its bucket on
// first use. Returns ErrRateLimit when the bucket is empty.
func (l *Limiter) Reserve(instanceID string) error {
	if l.perMinute <= 0 {
		return nil
	}

	l.mu.RLock()
	il, exists := l.instances[instanceID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		il, exists = l.instances[instanceID]
		if !exists {
			il = &instanceLimiter{tokens: float64(l.burst), lastRefill: time.Now()}
			l.instances[instanceID] = il
		}
		l.mu.Unlock()
	}

	return il.reserve(float64(l.perMinute), float64(l.burst))
}

// Remove drops the instance's bucket. Called when an instance is disconnected
// so a later reconnect starts with a full burst.
func (l *Limiter) Remove(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.instances, instanceID)
}

// Available reports the whole tokens currently spendable by the instance.
func (l *Limiter) Available(instanceID string) int {
	if l.perMinute <= 0 {
		return int(^uint(0) >> 1)
	}

	l.mu.RLock()
	il, exists := l.instances[instanceID]
	l.mu.RUnlock()

	if !exists {
		return l.burst
	}

	il.mu.Lock()
	defer il.mu.Unlock()
	il.refill(float64(l.perMinute), float64(l.burst))
	return int(il.tokens)
}

func (il *instanceLimiter) reserve(perMinute, burst float64) error {
	il.mu.Lock()
	defer il.mu.Unlock()

	il.refill(perMinute, burst)

	if il.tokens < 1 {
		return ErrRateLimit
	}
	il.tokens--
	return nil
}

// refill adds tokens for the elapsed time, capped at burst. Caller holds the
// bucket mutex.
func (il *instanceLimiter) refill(perMinute, burst float64) {
	now := time.Now()
	elapsed := now.Sub(il.lastRefill)
	if elapsed <= 0 {
		return
	}

	il.tokens += elapsed.Minutes() * perMinute
	if il.tokens > burst {
		il.tokens = burst
	}
	il.lastRefill = now
}
