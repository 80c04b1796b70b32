// Package filepkg implements the on-disk package layout: the root directory
// containing devices/<id>/logs.db for every participating device and a
// sibling blobs/ tree the log engine never touches.
package filepkg

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DevicesDir and BlobsDir are the two reserved top-level entries of a
// package directory (SPEC_FULL.md §6, "Package layout (bit-exact for
// interoperability)").
const (
	DevicesDir = "devices"
	BlobsDir   = "blobs"
	logFile    = "logs.db"
)

// DefaultCoordinationTimeout bounds how long Prepare retries a directory
// that is momentarily a plain file — the shape a syncing directory takes
// while a file-sync client is still materializing it (spec.md §5, "File
// coordination acquisitions use a bounded timeout... after which the
// engine logs and proceeds rather than deadlocking").
const DefaultCoordinationTimeout = 5 * time.Second

// ErrCorruptPackage is returned when the package root (or devices/) still
// exists as a plain file once the coordination timeout elapses.
var ErrCorruptPackage = errors.New("filepkg: corrupt package")

// Package is a handle onto an on-disk package directory for one local
// device identifier.
type Package struct {
	Root    string
	LocalID string

	// CoordinationTimeout overrides DefaultCoordinationTimeout; zero means
	// use the default.
	CoordinationTimeout time.Duration
	Logger              *slog.Logger
}

// Open returns a Package handle without touching the filesystem; call
// Prepare to create/validate the on-disk layout.
func Open(root, localID string) *Package {
	return &Package{Root: root, LocalID: localID}
}

func (p *Package) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Package) timeout() time.Duration {
	if p.CoordinationTimeout > 0 {
		return p.CoordinationTimeout
	}
	return DefaultCoordinationTimeout
}

// Prepare ensures the root package directory and devices/<localID>/ exist,
// creating them if missing. Returns ErrCorruptPackage (wrapped with the
// offending path) if root or devices/ is still a plain file once the
// coordination timeout elapses.
func (p *Package) Prepare() error {
	if err := p.ensureDir(p.Root); err != nil {
		return err
	}
	devicesPath := filepath.Join(p.Root, DevicesDir)
	if err := p.ensureDir(devicesPath); err != nil {
		return err
	}
	localPath := filepath.Join(devicesPath, p.LocalID)
	if err := p.ensureDir(localPath); err != nil {
		return err
	}
	return nil
}

// ensureDir retries, bounded by p.timeout(), while path exists as a plain
// file rather than a directory — a synced peer directory can briefly take
// that shape before the sync client finishes materializing it.
func (p *Package) ensureDir(path string) error {
	deadline := time.Now().Add(p.timeout())
	backoff := 10 * time.Millisecond
	for {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			return nil
		case err == nil:
			if time.Now().After(deadline) {
				p.logger().Warn("filepkg: path still not a directory after coordination timeout, giving up", slog.String("path", path))
				return fmt.Errorf("filepkg: %s exists and is not a directory: %w", path, ErrCorruptPackage)
			}
		case os.IsNotExist(err):
			if mkErr := os.MkdirAll(path, 0o755); mkErr == nil {
				return nil
			} else if time.Now().After(deadline) {
				return fmt.Errorf("filepkg: create %s: %w", path, mkErr)
			}
		default:
			if time.Now().After(deadline) {
				return fmt.Errorf("filepkg: stat %s: %w", path, err)
			}
		}
		time.Sleep(backoff)
	}
}

// EnumerateForeignDevices returns the device identifiers of every peer
// mirrored under devices/, excluding the local device and any hidden
// (dot-prefixed) entry.
func (p *Package) EnumerateForeignDevices() ([]string, error) {
	devicesPath := filepath.Join(p.Root, DevicesDir)
	entries, err := os.ReadDir(devicesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filepkg: enumerate %s: %w", devicesPath, err)
	}

	foreign := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || name == p.LocalID {
			continue
		}
		foreign = append(foreign, name)
	}
	return foreign, nil
}

// ResolveReadWrite returns the local device's writable database path.
// Prepare must have been called first.
func (p *Package) ResolveReadWrite() string {
	return filepath.Join(p.Root, DevicesDir, p.LocalID, logFile)
}

// ResolveReadonly returns a foreign device's read-only database path.
func (p *Package) ResolveReadonly(deviceID string) string {
	return filepath.Join(p.Root, DevicesDir, deviceID, logFile)
}

// BlobsPath returns the package's reserved blob sibling tree. The engine
// never opens files under it; out of scope per SPEC_FULL.md §4.11.
func (p *Package) BlobsPath() string {
	return filepath.Join(p.Root, BlobsDir)
}

// DevicesPath returns the devices/ directory path, used by WatchSource to
// register the DevicesStream root.
func (p *Package) DevicesPath() string {
	return filepath.Join(p.Root, DevicesDir)
}

// DeviceLogDir returns the devices/<id>/ directory, used by WatchSource to
// register a foreign device's LogsStream root.
func (p *Package) DeviceLogDir(deviceID string) string {
	return filepath.Join(p.Root, DevicesDir, deviceID)
}

// Exists reports whether the package root is still present on disk. Used by
// the merge engine to detect package deletion (spec.md §7, the Deleted
// error kind).
func (p *Package) Exists() bool {
	info, err := os.Stat(p.Root)
	return err == nil && info.IsDir()
}

// AdoptForeignDirectory replaces (or creates) this package's copy of a
// foreign device's directory with the contents of srcRoot's copy of the
// same device, used by MergeTool (SPEC_FULL.md §4.7.9).
func (p *Package) AdoptForeignDirectory(srcRoot, deviceID string) error {
	dst := p.DeviceLogDir(deviceID)
	src := filepath.Join(srcRoot, DevicesDir, deviceID)

	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("filepkg: adopt %s: %w", src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("filepkg: remove %s: %w", dst, err)
	}
	if err := copyDir(src, dst); err != nil {
		return fmt.Errorf("filepkg: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
