// Package watch raises hints that a file's content may have changed.
//
// A hint is not a diff: receivers re-read the file and compare fingerprints.
// Hints are coalesced, so a burst of editor writes yields one pending hint.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Mode selects how changes are detected.
type Mode string

const (
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"
	ModeOff    Mode = "off"
)

// DefaultPollInterval is used when polling and no interval is configured.
const DefaultPollInterval = time.Second

// ParseMode parses a watch mode name; empty means notify.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNotify:
		return ModeNotify, nil
	case ModePoll, ModeOff:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown watch mode %q (want notify, poll or off)", s)
}

// Watcher delivers change hints for one file on Changes.
type Watcher struct {
	path    string
	changes chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	log     *zap.Logger

	mode Mode
}

// Options configures New.
type Options struct {
	Mode         Mode
	PollInterval time.Duration
	Logger       *zap.Logger
}

// New starts watching path. In notify mode the parent directory is watched
// so that atomic replace-by-rename saves are seen; if the platform watcher
// cannot be created it falls back to polling. ModeOff returns a Watcher
// whose channel never fires.
func New(path string, opts Options) (*Watcher, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve watch path: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    abs,
		changes: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log.With(zap.String("path", abs)),
		mode:    opts.Mode,
	}

	switch opts.Mode {
	case ModeOff:
		close(w.done)
		return w, nil
	case ModePoll:
	default:
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(filepath.Dir(abs))
			if err != nil {
				fw.Close()
			}
		}
		if err == nil {
			w.mode = ModeNotify
			go w.notifyLoop(ctx, fw)
			return w, nil
		}
		w.log.Warn("native file watching unavailable, polling instead", zap.Error(err))
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w.mode = ModePoll
	go w.pollLoop(ctx, interval)
	return w, nil
}

// Changes returns the hint channel. It is never closed.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Mode reports the detection mode in effect.
func (w *Watcher) Mode() Mode {
	return w.mode
}

// Close stops watching and waits for the background goroutine to exit.
func (w *Watcher) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) notifyLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				w.log.Debug("file event", zap.String("op", ev.Op.String()))
				w.signal()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

type stamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func statStamp(path string) stamp {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}
	}
	return stamp{mod: info.ModTime(), size: info.Size(), ok: true}
}

func (s stamp) equal(o stamp) bool {
	return s.ok == o.ok && s.size == o.size && s.mod.Equal(o.mod)
}

func (w *Watcher) pollLoop(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := statStamp(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := statStamp(w.path)
			if !cur.equal(last) {
				w.log.Debug("file stamp changed", zap.Time("mtime", cur.mod), zap.Int64("size", cur.size))
				last = cur
				w.signal()
			}
		}
	}
}
