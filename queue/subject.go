package queue

import (
	"golang.org/x/time/rate"
)

// SubjectLimit defines rate limits and concurrency for one subject, such
// as a customer, on one worker type. Units are matched by SubjectRef.
type SubjectLimit struct {
	// WorkerType is the worker type this limit applies to.
	WorkerType string

	// SubjectRef is the opaque business reference on the unit.
	SubjectRef string

	// RateLimit is the sustained claims per second for this subject.
	RateLimit float64

	// RateBurst is the burst size for the subject's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous units for this subject on this
	// worker type. Zero means no subject-specific concurrency limit.
	MaxConcurrency int
}

// subjectState tracks runtime state for a single worker type and subject
// pair.
type subjectState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func subjectKey(workerType, subjectRef string) string {
	return workerType + "\x00" + subjectRef
}

// SetSubjectLimit configures limits for one subject on one worker type.
// Calling this again for the same pair replaces the previous limit.
func (l *Limiter) SetSubjectLimit(cfg SubjectLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := subjectKey(cfg.WorkerType, cfg.SubjectRef)
	existing := l.subjects[key]

	ss := &subjectState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ss.active = existing.active
	}
	l.subjects[key] = ss
}

// SubjectActiveCount returns the current number of active units for a
// worker type and subject pair.
func (l *Limiter) SubjectActiveCount(workerType, subjectRef string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ss := l.subjects[subjectKey(workerType, subjectRef)]; ss != nil {
		return ss.active
	}
	return 0
}
