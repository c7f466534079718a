// Package watch queues files that appear in a directory tree for upload.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// UploadFunc uploads the file at path under relativePath, which is slash
// separated and relative to the watched root.
type UploadFunc func(ctx context.Context, path, relativePath string) error

// Options configures a Watcher.
type Options struct {
	// Settle is how long a file must go without write events before it is
	// uploaded.
	Settle time.Duration
	// Existing also uploads files already present when Run starts.
	Existing bool
}

// Watcher watches a directory tree and uploads new or rewritten files once
// they stop changing. Hidden files and directories are ignored.
type Watcher struct {
	root    string
	upload  UploadFunc
	opts    Options
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

// New creates a watcher for root and every directory below it.
func New(root string, upload UploadFunc, opts Options, logger *logrus.Logger) (*Watcher, error) {
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		root:    abs,
		upload:  upload,
		opts:    opts,
		logger:  logger,
		watcher: fw,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}
	if err := w.addTree(abs, opts.Existing); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// addTree watches dir and its subdirectories. With queue set, regular files
// found on the way are scheduled for upload.
func (w *Watcher) addTree(dir string, queue bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if queue && d.Type().IsRegular() {
			w.schedule(path)
		}
		return nil
	})
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(path)
}

func (w *Watcher) scheduleLocked(path string) {
	// Stop fails once the timer has fired; its callback may still be
	// waiting on w.mu and must find itself replaced.
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.opts.Settle)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		current := w.pending[path] == t
		if current {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if !current {
			return
		}
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
	w.pending[path] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if hidden(filepath.Base(event.Name)) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		// Removed again before we looked.
		return
	}
	switch {
	case info.IsDir():
		// Files may land in a new directory before it is watched.
		if err := w.addTree(event.Name, true); err != nil {
			w.logger.WithError(err).WithField("path", event.Name).Warn("Failed to watch new directory")
		}
	case info.Mode().IsRegular():
		w.schedule(event.Name)
	}
}

func (w *Watcher) relative(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Run processes file events until ctx is done, then waits for uploads in
// progress to return. Upload failures are logged and do not stop the watch.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer close(w.done)
	defer w.stopTimers()

	var uploads sync.WaitGroup
	defer uploads.Wait()

	w.logger.WithField("root", w.root).Info("Watching for new files")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("File watcher error")

		case path := <-w.ready:
			rel, err := w.relative(path)
			if err != nil {
				w.logger.WithError(err).WithField("path", path).Warn("Skipping file outside watched root")
				continue
			}
			uploads.Add(1)
			go func() {
				defer uploads.Done()
				logger := w.logger.WithField("file", rel)
				if err := w.upload(ctx, path, rel); err != nil {
					logger.WithError(err).Error("Failed to upload watched file")
					return
				}
				logger.Info("Uploaded watched file")
			}()
		}
	}
}
