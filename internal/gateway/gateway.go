// Package gateway decides when the capture runs. The producer is kept
// alive while at least one subscriber is connected, or while an operator
// has pinned the stream on with an explicit start.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/framecast/internal/broadcast"
)

// ErrDuplicateSubscriber is returned by Connect when a subscriber with the
// same ID is already registered.
var ErrDuplicateSubscriber = errors.New("gateway: duplicate subscriber")

// Session is the part of *broadcast.Session the gateway drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AddSubscriber(sub broadcast.Subscriber) bool
	RemoveSubscriber(id string) bool
	SubscriberCount() int
	SetEvictHandler(fn broadcast.EvictHandler)
}

// Gateway maps transport connect/disconnect events and operator commands
// onto session lifecycle calls. Every decision is taken under one mutex,
// so a disconnect racing a connect can never stop a stream that just
// gained a subscriber.
type Gateway struct {
	log     *slog.Logger
	session Session

	mu     sync.Mutex
	pinned bool
}

// New returns a gateway for session and installs its evict handler. If log
// is nil, slog.Default() is used.
func New(session Session, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		log:     log.With("component", "gateway"),
		session: session,
	}
	session.SetEvictHandler(func(id string, err error) {
		// Runs on the fan-out goroutine, which Stop waits for.
		go g.reconcile(id)
	})
	return g
}

// Connect registers sub and makes sure the stream is running. If the
// capture cannot be started the subscriber is removed again and the error
// returned, so the transport can report it to the peer.
func (g *Gateway) Connect(ctx context.Context, sub broadcast.Subscriber) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.session.AddSubscriber(sub) {
		return ErrDuplicateSubscriber
	}
	if err := g.session.Start(ctx); err != nil {
		g.session.RemoveSubscriber(sub.ID())
		return err
	}
	return nil
}

// Disconnect unregisters the subscriber and stops the stream when it was
// the last one and the stream is not pinned. Disconnecting an unknown ID
// still runs the check.
func (g *Gateway) Disconnect(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.session.RemoveSubscriber(id)
	return g.stopIfUnused(ctx)
}

// StartStream starts the stream and pins it on until StopStream.
func (g *Gateway) StartStream(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.session.Start(ctx); err != nil {
		return err
	}
	if !g.pinned {
		g.log.Info("stream pinned")
	}
	g.pinned = true
	return nil
}

// StopStream unpins the stream and stops it regardless of how many
// subscribers are connected. They stay registered and receive frames again
// on the next start.
func (g *Gateway) StopStream(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pinned = false
	return g.session.Stop(ctx)
}

// Pinned reports whether an explicit start is holding the stream on.
func (g *Gateway) Pinned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pinned
}

// stopIfUnused stops the session when nobody needs it. Callers hold mu.
func (g *Gateway) stopIfUnused(ctx context.Context) error {
	if g.pinned || g.session.SubscriberCount() > 0 {
		return nil
	}
	g.log.Debug("no subscribers left, stopping stream")
	return g.session.Stop(ctx)
}

func (g *Gateway) reconcile(evicted string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.stopIfUnused(context.Background()); err != nil {
		g.log.Warn("stop after eviction", "subscriber", evicted, "error", err)
	}
}
