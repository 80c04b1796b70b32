package synckv

import (
	"log/slog"
	"time"

	"github.com/synckv/synckv/internal/merge"
)

// Projection bounds which keys a Store materializes into memory (see
// SPEC_FULL.md §3.1). AllKeys is the default; KeySet restricts to a named
// set, letting Load and incremental sync stop scanning a database early
// once every requested key has been resolved from it.
type Projection interface {
	projectionKeys() map[string]struct{}
}

// AllKeys materializes every key in every device's log (the default).
type AllKeys struct{}

func (AllKeys) projectionKeys() map[string]struct{} { return nil }

// KeySet restricts a Store to the named keys only.
type KeySet map[string]struct{}

func (k KeySet) projectionKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(k))
	for key := range k {
		out[key] = struct{}{}
	}
	return out
}

type config struct {
	logger              *slog.Logger
	autoCloseDelay      time.Duration
	saveDelay           time.Duration
	saveFloor           time.Duration
	syncDebounce        time.Duration
	coordinationTimeout time.Duration
	projection          Projection
}

// Option configures a Store at construction, matching the teacher's
// engine.EngineOption / engine.WithMaxSteps functional-option pattern.
type Option func(*config)

// WithLogger sets the structured logger every Store operation logs
// through. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithAutoCloseDelay overrides the idle auto-close delay (default 60s).
func WithAutoCloseDelay(d time.Duration) Option {
	return func(c *config) { c.autoCloseDelay = d }
}

// WithSaveDelay overrides the save-delay debounce window (default 1s).
func WithSaveDelay(d time.Duration) Option {
	return func(c *config) { c.saveDelay = d }
}

// WithSaveFloor overrides the save-floor coalescing ceiling (default 15s).
func WithSaveFloor(d time.Duration) Option {
	return func(c *config) { c.saveFloor = d }
}

// WithSyncDebounce overrides the incremental-sync debounce window
// (default 250ms).
func WithSyncDebounce(d time.Duration) Option {
	return func(c *config) { c.syncDebounce = d }
}

// WithFileCoordinationTimeout overrides how long Load retries a
// directory that is momentarily a plain file, the shape a syncing
// directory takes mid-transfer (default 5s).
func WithFileCoordinationTimeout(d time.Duration) Option {
	return func(c *config) { c.coordinationTimeout = d }
}

// WithProjection bounds which keys this Store materializes. Defaults to
// AllKeys{}.
func WithProjection(p Projection) Option {
	return func(c *config) { c.projection = p }
}

func newConfig(opts []Option) *config {
	c := &config{projection: AllKeys{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *config) mergeConfig() merge.Config {
	return merge.Config{
		AutoCloseDelay: c.autoCloseDelay,
		SaveDelay:      c.saveDelay,
		SaveFloor:      c.saveFloor,
		SyncDebounce:   c.syncDebounce,
		Projection:     c.projection.projectionKeys(),
	}
}
