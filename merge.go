package synckv

import (
	"context"
	"fmt"

	"github.com/synckv/synckv/internal/mergetool"
)

// Merge replaces this Store's on-disk package with the union of its own
// device directories and otherRoot's, except the device IDs named in
// unsafeDevices (left untouched, e.g. a device whose log is still being
// written elsewhere). The Store tears itself down before the filesystem
// merge and reloads afterward, emitting DidTearDown then DidLoad
// (spec.md §4.7.9).
func (s *Store) Merge(ctx context.Context, otherRoot string, unsafeDevices []string) error {
	if err := s.TearDownNow(ctx); err != nil {
		return err
	}
	if err := mergetool.Merge(s.root, otherRoot, unsafeDevices, s.logger); err != nil {
		return &StoreError{Code: IoFailure, Err: fmt.Errorf("synckv: merge %s into %s: %w", otherRoot, s.root, err)}
	}
	return classify(s.engine.LoadNow(ctx))
}
