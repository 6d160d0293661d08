// Package dirsrc publishes every JPEG file written into a watched
// directory. It suits cameras and tools that drop snapshots on disk.
package dirsrc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/media"
)

// Source watches a single directory, non-recursively.
type Source struct {
	log *slog.Logger
	dir string
}

// New returns a directory source. If log is nil, slog.Default() is used.
func New(dir string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log: log.With("component", "dir-capture", "dir", dir),
		dir: dir,
	}
}

func (s *Source) Name() string { return "dir" }

// Acquire starts watching. A missing or unreadable directory fails here.
func (s *Source) Acquire(ctx context.Context, w capture.FrameWriter) (capture.Producer, error) {
	info, err := os.Stat(s.dir)
	if err != nil {
		return nil, fmt.Errorf("stat capture dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capture dir %s is not a directory", s.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.log.Info("watching for frames")

	return capture.Go(ctx, s.Name(), func(ctx context.Context) error {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-watcher.Events:
				if !ok {
					return capture.ErrStreamEnded
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !isJPEGName(event.Name) {
					continue
				}
				s.publish(event.Name, w)
			case err, ok := <-watcher.Errors:
				if !ok {
					return capture.ErrStreamEnded
				}
				s.log.Warn("watcher error", "error", err)
			}
		}
	}), nil
}

// publish reads path and writes it as a frame. Files still being written
// fail the marker check and are picked up again on their next write event.
func (s *Source) publish(path string, w capture.FrameWriter) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Debug("read frame file", "file", path, "error", err)
		return
	}
	if !capture.IsJPEG(data) {
		return
	}
	if len(data) > media.MaxFrameSize {
		s.log.Warn("frame file too large", "file", path, "size", len(data))
		return
	}
	w.Write(media.Frame{Data: data, CapturedAt: time.Now()})
}

func isJPEGName(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
