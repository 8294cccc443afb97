package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the poll loop when the log file is written, so appended
// lines are picked up before the next timer tick. The poll contract is
// unchanged; this only schedules extra PollOnce calls.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	ticks    chan struct{}
}

// NewWatcher watches the directory containing path. Watching the directory
// rather than the file keeps working when the log is rotated or does not
// exist yet.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		fsw:      fsw,
		ticks:    make(chan struct{}, 1),
	}, nil
}

// Ticks delivers at most one pending wake-up signal.
func (w *Watcher) Ticks() <-chan struct{} { return w.ticks }

// Run processes filesystem events until ctx is canceled. Events are
// debounced so a burst of writes produces a single wake-up.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.ticks <- struct{}{}:
			default:
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
