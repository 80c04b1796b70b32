// Package watch implements WatchSource: coarse, directory-granularity
// file-system event streams for the devices/ root and each currently-known
// foreign device directory.
//
// Grounded on github.com/fsnotify/fsnotify, used for the same concern in
// the example pack's steveyegge-beads repo (go.mod). fsnotify on every
// supported platform reports events at the watched-directory level only
// (no recursive descent), which is exactly the "something changed under
// path P" granularity SPEC_FULL.md §4.6 calls for.
package watch

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Source emits two coarse event streams: DevicesStream (devices/ root —
// peer add/remove) and LogsStream (one or more foreign device directories
// — peer write). Local-write filtering: a Source is constructed with the
// local device's own directory and never reports an event whose path falls
// under it, even defensively, in case a platform reports metadata changes
// at a coarser granularity than fsnotify's own watch boundary.
type Source struct {
	logger   *slog.Logger
	localDir string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	roots   map[string]bool // currently-watched directories

	onDevices func()
	onLogs    func(path string)

	stop chan struct{}
}

// New creates a Source. localDir is the local device's own devices/<id>/
// directory; events under it are always suppressed.
func New(localDir string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	return &Source{
		logger:   logger,
		localDir: localDir,
		watcher:  w,
		roots:    make(map[string]bool),
	}, nil
}

// Start begins dispatching events. onDevices fires for changes directly
// under the watched devices/ root (a peer directory appearing or
// disappearing); onLogs fires with the changed device directory's path for
// changes inside a watched foreign device directory.
func (s *Source) Start(onDevices func(), onLogs func(path string)) {
	s.mu.Lock()
	s.onDevices = onDevices
	s.onLogs = onLogs
	s.stop = make(chan struct{})
	stop := s.stop
	watcher := s.watcher
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.dispatch(ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch: fsnotify error", slog.Any("error", err))
			}
		}
	}()
}

func (s *Source) dispatch(ev fsnotify.Event) {
	if s.localDir != "" && withinDir(ev.Name, s.localDir) {
		return
	}

	s.mu.Lock()
	devicesRoot := ""
	var logRoots []string
	for root := range s.roots {
		if isDevicesRoot(root) {
			devicesRoot = root
		} else {
			logRoots = append(logRoots, root)
		}
	}
	onDevices := s.onDevices
	onLogs := s.onLogs
	s.mu.Unlock()

	for _, root := range logRoots {
		if withinDir(ev.Name, root) {
			if onLogs != nil {
				onLogs(root)
			}
			return
		}
	}
	if devicesRoot != "" && withinDir(ev.Name, devicesRoot) && onDevices != nil {
		onDevices()
	}
}

func isDevicesRoot(root string) bool {
	return strings.HasSuffix(root, "/devices") || strings.HasSuffix(root, `\devices`)
}

func withinDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	return path == dir || strings.HasPrefix(path, dir+"/") || strings.HasPrefix(path, dir+`\`)
}

// WatchDevicesRoot (re)registers the devices/ directory for DevicesStream
// events.
func (s *Source) WatchDevicesRoot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roots[path] {
		return nil
	}
	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("watch: add devices root %s: %w", path, err)
	}
	s.roots[path] = true
	return nil
}

// WatchForeignDir registers a foreign device's directory for LogsStream
// events.
func (s *Source) WatchForeignDir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == s.localDir {
		return nil
	}
	if s.roots[path] {
		return nil
	}
	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("watch: add foreign dir %s: %w", path, err)
	}
	s.roots[path] = true
	return nil
}

// UnwatchForeignDir removes a foreign device's directory from LogsStream,
// used when a device disappears from devices/.
func (s *Source) UnwatchForeignDir(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.roots[path] {
		return
	}
	_ = s.watcher.Remove(path)
	delete(s.roots, path)
}

// Restart tears down and recreates the underlying OS watcher, re-adding
// every directory currently registered. Used to recover from a watcher
// that has entered an error state.
func (s *Source) Restart() error {
	s.mu.Lock()
	old := s.watcher
	roots := make([]string, 0, len(s.roots))
	for r := range s.roots {
		roots = append(roots, r)
	}
	s.mu.Unlock()

	_ = old.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: restart: %w", err)
	}

	s.mu.Lock()
	s.watcher = w
	s.roots = make(map[string]bool)
	s.mu.Unlock()

	for _, r := range roots {
		if isDevicesRoot(r) {
			if err := s.WatchDevicesRoot(r); err != nil {
				return err
			}
		} else if err := s.WatchForeignDir(r); err != nil {
			return err
		}
	}

	s.mu.Lock()
	wasRunning := s.stop != nil
	onDevices, onLogs := s.onDevices, s.onLogs
	s.mu.Unlock()
	if wasRunning {
		s.Start(onDevices, onLogs)
	}
	return nil
}

// Close stops dispatching and releases the underlying OS watcher.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	w := s.watcher
	s.mu.Unlock()
	if err := w.Close(); err != nil {
		return fmt.Errorf("watch: close: %w", err)
	}
	return nil
}
