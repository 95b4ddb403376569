package generate

import (
	"sync"
	"time"

	"github.com/pitabwire/intake/internal/config"
)

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the smallest window that can trip on error rate.
const minRateSamples = 10

// Breaker guards the generation provider. It opens after a run of
// consecutive failures or when the failure rate inside a tumbling window
// crosses a threshold, and closes again after enough successful probes.
// Safe for concurrent use.
type Breaker struct {
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	rateThreshold    float64
	rateWindow       time.Duration
	now              func() time.Time
	onChange         func(BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
	windowCalls int
	windowFails int
}

// NewBreaker creates a closed breaker from config. Zero values select
// 5 failures, 2 probe successes and a 30s cool-down; a zero rate threshold
// or window disables rate-based tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		now:              time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.coolDown <= 0 {
		b.coolDown = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers fn to be called, with the lock held, whenever
// the state changes.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != BreakerOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.set(BreakerClosed)
			b.resetWindow()
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Caller holds mu for everything below.

func (b *Breaker) set(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.failures = 0
	b.successes = 0
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.set(BreakerOpen)
	b.resetWindow()
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.coolDown {
		b.set(BreakerHalfOpen)
	}
}

func (b *Breaker) count(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFails++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFails = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFails)/float64(b.windowCalls) >= b.rateThreshold
}
