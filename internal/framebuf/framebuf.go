// Package framebuf implements a single-slot, latest-value buffer that
// bridges one frame producer to any number of blocking readers.
//
// Only the newest frame is kept. A reader that falls behind skips the
// intermediate frames instead of accumulating lag, and the producer never
// blocks on a slow reader.
package framebuf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/media"
)

// ErrClosed is returned by Read once the buffer has been closed.
var ErrClosed = errors.New("framebuf: closed")

// Buffer holds the most recent frame and a generation counter that is
// incremented on every write. Readers wait on the changed channel, which
// the writer closes and replaces while holding mu, so a reader that
// captured the channel under mu cannot miss a write.
type Buffer struct {
	mu      sync.Mutex
	frame   media.Frame
	gen     uint64
	changed chan struct{}
	closed  bool
}

// New returns an empty buffer at generation 0.
func New() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Write stores frame as the current frame, assigns it the next generation
// and wakes every blocked reader. The previous frame is discarded. Write
// never blocks; writes after Close are dropped.
func (b *Buffer) Write(frame media.Frame) {
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.gen++
	frame.Generation = b.gen
	b.frame = frame
	close(b.changed)
	b.changed = make(chan struct{})
}

// Read blocks until the buffer holds a frame newer than lastSeen, then
// returns that frame and its generation. It returns ctx.Err() if ctx is
// cancelled first and ErrClosed if the buffer is closed.
func (b *Buffer) Read(ctx context.Context, lastSeen uint64) (media.Frame, uint64, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return media.Frame{}, lastSeen, ErrClosed
		}
		if b.gen > lastSeen {
			frame, gen := b.frame, b.gen
			b.mu.Unlock()
			return frame, gen, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return media.Frame{}, lastSeen, ctx.Err()
		}
	}
}

// Close wakes every reader with ErrClosed. It is safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

// Generation returns the generation of the most recent write.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Latest returns the current frame, or false if nothing was written yet.
func (b *Buffer) Latest() (media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.gen > 0
}
