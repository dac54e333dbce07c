// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket admission control for tunnels.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether one connection may be admitted.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n connections may be admitted and takes the tokens
// if so.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now
}

// available returns the number of whole tokens left.
func (tb *TokenBucket) available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter manages per-client token buckets keyed by client IP.
type Limiter struct {
	mu         sync.Mutex
	limiters   map[string]*entry
	capacity   int64
	refillRate int64
	maxClients int
	idle       time.Duration
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a new rate limiter with per-client tracking. Buckets of
// clients idle for five minutes are dropped by a background sweep until
// Close is called.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	l := newLimiter(capacity, refillRate, maxClients, time.Now)
	go l.sweep(time.Minute)
	return l
}

func newLimiter(capacity, refillRate int64, maxClients int, now func() time.Time) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	return &Limiter{
		limiters:   make(map[string]*entry),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		idle:       5 * time.Minute,
		now:        now,
		stop:       make(chan struct{}),
	}
}

// Allow reports whether a connection from clientID may be admitted. New
// clients are refused once maxClients buckets are tracked.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	e, ok := l.limiters[clientID]
	if !ok {
		if len(l.limiters) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		e = &entry{bucket: newTokenBucket(l.capacity, l.refillRate, l.now)}
		l.limiters[clientID] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()

	return e.bucket.Allow()
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops buckets of idle clients.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	for id, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
