package merge

import "time"

// Config tunes the engine's timers. A zero value for any field takes the
// spec-mandated default (see withDefault below).
type Config struct {
	// AutoCloseDelay is how long a database may sit idle before it is
	// closed (default 60s).
	AutoCloseDelay time.Duration
	// SaveDelay is the Delay-behavior timer fired after each append
	// (default 1s).
	SaveDelay time.Duration
	// SaveFloor is the Coalesce-behavior timer guaranteeing a commit at
	// least this often during a continuous write burst (default 15s).
	SaveFloor time.Duration
	// SyncDebounce coalesces WatchSource events into one incremental sync
	// (default 250ms).
	SyncDebounce time.Duration
	// Projection bounds which keys Load and sync materialize. nil means
	// every key (AllKeys).
	Projection map[string]struct{}
}

const (
	defaultAutoCloseDelay = 60 * time.Second
	defaultSaveDelay      = 1 * time.Second
	defaultSaveFloor      = 15 * time.Second
	defaultSyncDebounce   = 250 * time.Millisecond
)

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
