package taskcrew

import "time"

// Config holds configuration for the Dispatcher.
type Config struct {
	// Concurrency is the number of pool workers executing units in parallel.
	Concurrency int

	// PollInterval is how long an idle pool worker waits before claiming again.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// StaleThreshold is how long a processing unit may go without a
	// heartbeat before its claim is presumed lost and the unit is
	// requeued. Zero disables recovery.
	StaleThreshold time.Duration

	// HeartbeatInterval is how often the pool refreshes the heartbeat of
	// every unit it is executing. It must be shorter than StaleThreshold;
	// zero uses a third of StaleThreshold.
	HeartbeatInterval time.Duration

	// ProbeInterval is how often the fast backend is probed for liveness.
	ProbeInterval time.Duration

	// ResyncInterval is how often pending units are re-indexed into the
	// fast backend. Zero disables periodic resync.
	ResyncInterval time.Duration

	// BackoffBase and BackoffMax bound the retry delay:
	// min(BackoffBase * 2^attempt, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DefaultMaxAttempts applies when Enqueue does not set max attempts.
	DefaultMaxAttempts int

	// StreamChunkSize and StreamDelay are the defaults used by the
	// streaming simulator when a request leaves them unset.
	StreamChunkSize int
	StreamDelay     time.Duration

	// FanOut caps concurrent deliveries per publish.
	FanOut int

	// SubscriberBuffer is the per-subscription event buffer.
	SubscriberBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       500 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
		StaleThreshold:     5 * time.Minute,
		HeartbeatInterval:  time.Minute,
		ProbeInterval:      5 * time.Second,
		ResyncInterval:     30 * time.Second,
		BackoffBase:        time.Second,
		BackoffMax:         5 * time.Minute,
		DefaultMaxAttempts: 3,
		StreamChunkSize:    20,
		StreamDelay:        30 * time.Millisecond,
		FanOut:             16,
		SubscriberBuffer:   256,
	}
}
