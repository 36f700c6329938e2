// Package ratelimit gates task submissions and concurrent auctions.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes the two gates.
type Config struct {
	MaxSubmitsPerWindow   int
	WindowMs              int64
	MaxConcurrentAuctions int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubmitsPerWindow:   30,
		WindowMs:              60_000,
		MaxConcurrentAuctions: 5,
	}
}

// Decision is the advisory answer of the submission gate. Violations
// produce an error at the exchange boundary rather than a silent drop.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
	Reason       string
}

// Limiter combines a token-bucket submission gate with an in-flight
// auction counter.
type Limiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	cfg      Config
	inFlight int
}

// New builds a Limiter. The bucket refills at MaxSubmitsPerWindow per
// WindowMs with a burst of the full window allowance.
func New(cfg Config) *Limiter {
	window := time.Duration(cfg.WindowMs) * time.Millisecond
	perSecond := float64(cfg.MaxSubmitsPerWindow) / window.Seconds()
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), cfg.MaxSubmitsPerWindow),
		cfg:    cfg,
	}
}

// CanSubmit checks both gates without consuming a token on refusal.
func (l *Limiter) CanSubmit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.cfg.MaxConcurrentAuctions {
		return Decision{
			Allowed:      false,
			RetryAfterMs: 1000,
			Reason:       "max concurrent auctions reached",
		}
	}

	r := l.bucket.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return Decision{
			Allowed:      false,
			RetryAfterMs: delay.Milliseconds() + 1,
			Reason:       "submission rate exceeded",
		}
	}
	return Decision{Allowed: true}
}

// AuctionStarted brackets the beginning of one running auction.
func (l *Limiter) AuctionStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight++
}

// AuctionEnded releases one auction slot.
func (l *Limiter) AuctionEnded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// CanStartAuction reports whether the concurrency gate has capacity.
// Advisory to the scheduler loop before dequeuing.
func (l *Limiter) CanStartAuction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight < l.cfg.MaxConcurrentAuctions
}

// ActiveAuctions returns the current in-flight auction count.
func (l *Limiter) ActiveAuctions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
