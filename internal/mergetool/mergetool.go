// Package mergetool implements the offline MergeTool: a filesystem-only
// union of two package directories, used both by Store.Merge and by
// cmd/synctool's standalone "merge" subcommand when no live Store is
// running (spec.md §4.7.9/§4.10).
package mergetool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/synckv/synckv/internal/filepkg"
)

// Merge replaces (or creates) destRoot's copy of every device directory
// present under srcRoot/devices/, except those named in unsafeDevices —
// those are left untouched. Neither package needs a live Store; the
// caller is responsible for tearing one down first if one is open on
// destRoot (spec.md §4.7.9: "teardown this store... reload").
func Merge(destRoot, srcRoot string, unsafeDevices []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	unsafe := make(map[string]struct{}, len(unsafeDevices))
	for _, id := range unsafeDevices {
		unsafe[id] = struct{}{}
	}

	srcDevicesPath := filepath.Join(srcRoot, filepkg.DevicesDir)
	entries, err := os.ReadDir(srcDevicesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mergetool: enumerate %s: %w", srcDevicesPath, err)
	}

	destDevicesPath := filepath.Join(destRoot, filepkg.DevicesDir)
	if err := os.MkdirAll(destDevicesPath, 0o755); err != nil {
		return fmt.Errorf("mergetool: prepare %s: %w", destDevicesPath, err)
	}
	dest := filepkg.Open(destRoot, "")

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, skip := unsafe[name]; skip {
			logger.Info("mergetool: leaving unsafe device untouched", slog.String("device", name))
			continue
		}
		if err := dest.AdoptForeignDirectory(srcRoot, name); err != nil {
			return fmt.Errorf("mergetool: adopt device %s: %w", name, err)
		}
		logger.Info("mergetool: adopted device", slog.String("device", name))
	}
	return nil
}
