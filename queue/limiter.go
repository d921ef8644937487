package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines per-worker-type rate limiting and concurrency.
type Limit struct {
	// WorkerType is the worker type this limit applies to.
	WorkerType string

	// MaxConcurrency limits how many units of this worker type may run
	// simultaneously in the local pool. Zero means no type-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second for this
	// worker type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// limitState tracks runtime state for a single worker type.
type limitState struct {
	config  Limit
	limiter *rate.Limiter
	active  int
}

// Limiter controls per-worker-type and per-subject rate limiting and
// concurrency. It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	types    map[string]*limitState
	subjects map[string]*subjectState
}

// NewLimiter creates a Limiter with the given limits. Worker types not
// listed here have no limits.
func NewLimiter(limits ...Limit) *Limiter {
	l := &Limiter{
		types:    make(map[string]*limitState, len(limits)),
		subjects: make(map[string]*subjectState),
	}
	for _, cfg := range limits {
		l.types[cfg.WorkerType] = newLimitState(cfg)
	}
	return l
}

func newLimitState(cfg Limit) *limitState {
	ls := &limitState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ls
}

// Acquire checks the limits for workerType and subjectRef. If the unit may
// proceed it increments the active counters and returns true. The caller
// MUST call Release when the unit finishes.
func (l *Limiter) Acquire(workerType, subjectRef string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls := l.types[workerType]
	if ls != nil && ls.config.MaxConcurrency > 0 && ls.active >= ls.config.MaxConcurrency {
		return false
	}

	var ss *subjectState
	if subjectRef != "" {
		ss = l.subjects[subjectKey(workerType, subjectRef)]
		if ss != nil && ss.maxConcurrency > 0 && ss.active >= ss.maxConcurrency {
			return false
		}
	}

	// Tokens are only spent once every concurrency gate has passed.
	if ls != nil && ls.limiter != nil && !ls.limiter.Allow() {
		return false
	}
	if ss != nil && ss.limiter != nil && !ss.limiter.Allow() {
		return false
	}

	if ls != nil {
		ls.active++
	}
	if ss != nil {
		ss.active++
	}
	return true
}

// Release decrements the active counts for workerType and subjectRef.
func (l *Limiter) Release(workerType, subjectRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls := l.types[workerType]; ls != nil && ls.active > 0 {
		ls.active--
	}

	if subjectRef != "" {
		if ss := l.subjects[subjectKey(workerType, subjectRef)]; ss != nil && ss.active > 0 {
			ss.active--
		}
	}
}

// SetLimit dynamically updates (or creates) a worker type limit.
func (l *Limiter) SetLimit(cfg Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.types[cfg.WorkerType]
	ls := newLimitState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ls.active = existing.active
	}
	l.types[cfg.WorkerType] = ls
}

// ActiveCount returns the current number of active units for a worker
// type. Worker types without a Limit always report zero.
func (l *Limiter) ActiveCount(workerType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ls := l.types[workerType]; ls != nil {
		return ls.active
	}
	return 0
}
