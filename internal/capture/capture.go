// Package capture defines the contract between the broadcast session and a
// frame source, plus helpers shared by the concrete sources in its
// subpackages.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/framecast/internal/media"
)

// FrameWriter receives every frame a producer emits. It must not block.
// *framebuf.Buffer implements it.
type FrameWriter interface {
	Write(frame media.Frame)
}

// Source acquires the capture device or feed. Acquire performs any setup
// that can fail synchronously (opening a device, starting an encoder
// process, dialing a remote feed) and returns a running Producer that
// writes into w until it is released or ctx is cancelled.
type Source interface {
	Name() string
	Acquire(ctx context.Context, w FrameWriter) (Producer, error)
}

// Producer is a running capture. Done is closed once the producer goroutine
// has exited; Err reports why it exited (nil after a normal Release).
type Producer interface {
	Done() <-chan struct{}
	Err() error
	Release(ctx context.Context) error
}

// ProduceFunc is the body of a producer goroutine. It should return when
// ctx is cancelled; a nil or context.Canceled return is a clean stop.
type ProduceFunc func(ctx context.Context) error

// Go starts fn on its own goroutine and returns a Producer controlling it.
// Release cancels fn's context and waits for it to return.
func Go(ctx context.Context, name string, fn ProduceFunc) Producer {
	ctx, cancel := context.WithCancel(ctx)
	p := &producer{
		log:    slog.With("component", "capture", "source", name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, fn)
	return p
}

type producer struct {
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *producer) run(ctx context.Context, fn ProduceFunc) {
	defer close(p.done)
	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		p.log.Warn("producer exited", "error", err)
	} else {
		p.log.Debug("producer exited")
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *producer) Done() <-chan struct{} {
	return p.done
}

func (p *producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Release stops the producer and waits until it has exited or ctx expires.
// Cancellation happens immediately, so a Release with an already expired
// ctx still tells the producer to let go of its resources.
func (p *producer) Release(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
