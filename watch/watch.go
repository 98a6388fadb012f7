// Package watch hands files dropped into a directory to a send callback once
// they stop changing.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long a file must stay unchanged before it is sent.
const DefaultSettle = 500 * time.Millisecond

// SendFunc transfers one settled file. An error is logged and the file is
// retried only after it changes again.
type SendFunc func(ctx context.Context, path string) error

// Options controls Run.
type Options struct {
	Settle time.Duration
	// IncludeExisting queues regular files already present at startup.
	IncludeExisting bool
	Logger          logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

type fileState struct {
	size    int64
	modTime time.Time
}

type watcher struct {
	dir     string
	send    SendFunc
	options Options

	pending map[string]time.Time
	sent    map[string]fileState
}

// Run watches dir until ctx is cancelled. Files are sent one at a time in the
// order they settled. Dot files and subdirectories are ignored.
func Run(ctx context.Context, dir string, send SendFunc, options Options) error {
	if send == nil {
		return errors.New("watch: send callback is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch: stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch: %q is not a directory", dir)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer func() {
		_ = fsWatcher.Close()
	}()
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watch: add %q: %w", dir, err)
	}

	w := &watcher{
		dir:     dir,
		send:    send,
		options: options.withDefaults(),
		pending: make(map[string]time.Time),
		sent:    make(map[string]fileState),
	}
	w.options.Logger.WithField("dir", dir).Info("watching directory")

	if w.options.IncludeExisting {
		if err := w.queueExisting(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(max(w.options.Settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.touch(event.Name)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.options.Logger.WithError(err).Warn("watcher error")
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *watcher) queueExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("watch: read %q: %w", w.dir, err)
	}
	for _, entry := range entries {
		w.touch(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *watcher) touch(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.pending[path] = time.Now().Add(w.options.Settle)
}

func (w *watcher) flush(ctx context.Context, now time.Time) {
	due := make([]string, 0, len(w.pending))
	for path, at := range w.pending {
		if !now.Before(at) {
			due = append(due, path)
		}
	}
	sort.Strings(due)

	for _, path := range due {
		delete(w.pending, path)
		if ctx.Err() != nil {
			return
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		state := fileState{size: info.Size(), modTime: info.ModTime()}
		if previous, ok := w.sent[path]; ok && previous == state {
			continue
		}
		w.sent[path] = state

		logger := w.options.Logger.WithField("path", path)
		logger.Info("sending settled file")
		if err := w.send(ctx, path); err != nil {
			logger.WithError(err).Error("send failed")
		}
	}
}
