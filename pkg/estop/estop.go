// Package estop implements the emergency-stop gate: while a flag file exists the
// motion bridge refuses moves. The flag is a plain file so it can be set from a
// shell, a systemd unit or a GPIO handler without talking to the bus.
package estop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Gate tracks the flag file. A nil *Gate is valid and never engaged.
type Gate struct {
	path string
	log  *slog.Logger

	engaged atomic.Bool
	changes chan bool

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts tracking path. The containing directory is watched rather than
// the file itself so creation and removal are both observed.
func Watch(ctx context.Context, path string, log *slog.Logger) (*Gate, error) {
	if path == "" {
		return nil, errors.New("estop flag path is empty")
	}
	if log == nil {
		log = slog.Default()
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create estop dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	g := &Gate{
		path:    path,
		log:     log.With("component", "estop"),
		changes: make(chan bool, 1),
		watcher: w,
		done:    make(chan struct{}),
	}
	g.engaged.Store(flagExists(path))

	go g.run(ctx)

	g.log.Info("E-Stop gate watching", "flag", path, "engaged", g.engaged.Load())
	return g, nil
}

// Engaged reports whether the flag file currently exists.
func (g *Gate) Engaged() bool {
	if g == nil {
		return false
	}
	return g.engaged.Load()
}

// Changes delivers the new state after each transition. Only the latest state is
// kept when the reader falls behind. Nil for a nil gate, which blocks forever in a
// select.
func (g *Gate) Changes() <-chan bool {
	if g == nil {
		return nil
	}
	return g.changes
}

// Path returns the watched flag file.
func (g *Gate) Path() string {
	if g == nil {
		return ""
	}
	return g.path
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			_ = g.watcher.Close()
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != g.path {
				continue
			}
			g.refresh()
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Warn("Watcher error", "err", err)
			// Events may have been lost; re-read the flag.
			g.refresh()
		}
	}
}

func (g *Gate) refresh() {
	now := flagExists(g.path)
	if g.engaged.Swap(now) == now {
		return
	}
	if now {
		g.log.Warn("E-Stop engaged", "flag", g.path)
	} else {
		g.log.Info("E-Stop released", "flag", g.path)
	}

	select {
	case g.changes <- now:
	default:
		select {
		case <-g.changes:
		default:
		}
		g.changes <- now
	}
}

// Close stops watching.
func (g *Gate) Close() error {
	if g == nil {
		return nil
	}
	var err error
	g.closeOnce.Do(func() {
		err = g.watcher.Close()
		<-g.done
	})
	return err
}

func flagExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Engage creates the flag file.
func Engage(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create estop dir: %w", err)
	}
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("write estop flag: %w", err)
	}
	return nil
}

// Release removes the flag file. Releasing an absent flag is not an error.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove estop flag: %w", err)
	}
	return nil
}

// IsEngaged reports whether the flag file exists, without watching it.
func IsEngaged(path string) bool {
	return path != "" && flagExists(path)
}
