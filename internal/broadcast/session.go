// Package broadcast owns the capture lifecycle and replicates every frame
// the producer emits to all registered subscribers.
//
// A Session runs at most one producer at a time. Each run gets a fresh
// frame buffer and a single fan-out goroutine that reads the newest frame,
// sends it to a snapshot of the subscriber registry concurrently, waits
// for every send, and evicts the subscribers whose send failed. A slow
// subscriber therefore sees a lower frame rate instead of delaying the
// others or growing a queue.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/framebuf"
	"github.com/zsiec/framecast/internal/media"
)

var (
	// ErrCaptureUnavailable wraps any failure to acquire the capture
	// source in Start. The session stays Idle.
	ErrCaptureUnavailable = errors.New("broadcast: capture unavailable")

	// ErrShutdownTimeout is returned by Stop when the run did not finish
	// tearing down in time. The producer has been force-released and the
	// session is Idle regardless.
	ErrShutdownTimeout = errors.New("broadcast: shutdown timed out")

	// ErrSendFailed wraps the error of a send that evicted a subscriber.
	ErrSendFailed = errors.New("broadcast: send failed")
)

const (
	defaultSendTimeout     = 2 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config bounds the session's blocking operations. Zero values select the
// defaults (2s per send, 5s for shutdown).
type Config struct {
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Stats is a point-in-time snapshot of the session.
type Stats struct {
	Source          string `json:"source"`
	State           State  `json:"state"`
	Generation      uint64 `json:"generation"`
	Subscribers     int    `json:"subscribers"`
	Runs            int64  `json:"runs"`
	FramesBroadcast int64  `json:"framesBroadcast"`
	Deliveries      int64  `json:"deliveries"`
	Evictions       int64  `json:"evictions"`
	UptimeMs        int64  `json:"uptimeMs"`
	LastFrameSize   int    `json:"lastFrameSize"`
	LastFrameAtMs   int64  `json:"lastFrameAtMs,omitempty"`
	LastError       string `json:"lastError,omitempty"`
}

// EvictHandler is told about every subscriber the fan-out loop removed.
// It runs on the fan-out goroutine and must not block.
type EvictHandler func(id string, err error)

// run is one Running period: one buffer, one producer, one fan-out loop.
type run struct {
	buf       *framebuf.Buffer
	producer  capture.Producer
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	stopping  atomic.Bool
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Session is the broadcast hub for one capture source.
type Session struct {
	log    *slog.Logger
	source capture.Source
	cfg    Config

	// lifecycle serializes Start, Stop and self-reaping so the capture
	// resource is never acquired twice or released twice.
	lifecycle sync.Mutex
	state     atomic.Int32
	cur       atomic.Pointer[run]

	mu      sync.RWMutex
	subs    map[string]*entry
	onEvict EvictHandler

	runs            atomic.Int64
	framesBroadcast atomic.Int64
	deliveries      atomic.Int64
	evictions       atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// NewSession creates an Idle session for source. If log is nil,
// slog.Default() is used.
func NewSession(source capture.Source, cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Session{
		log:    log.With("component", "broadcast-session", "source", source.Name()),
		source: source,
		cfg:    cfg,
		subs:   make(map[string]*entry),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// SetEvictHandler installs fn, replacing any previous handler.
func (s *Session) SetEvictHandler(fn EvictHandler) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Start acquires the capture source and launches the fan-out loop. It is a
// no-op when the session is already Starting or Running; concurrent calls
// are serialized so exactly one producer is started. ctx bounds the
// acquisition only; the run outlives it.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if r := s.cur.Load(); r != nil && r.finished() {
		s.clearRun(r)
	}
	if s.State() != StateIdle {
		return nil
	}
	s.setState(StateStarting)

	buf := framebuf.New()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stopWatch := context.AfterFunc(ctx, cancel)
	producer, err := s.source.Acquire(runCtx, buf)
	if !stopWatch() && err == nil {
		// runCtx is already cancelled here. Wait on a fresh deadline so the
		// device is free again before the session reports Idle.
		relCtx, relCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if relErr := producer.Release(relCtx); relErr != nil {
			s.log.Warn("abandoned capture did not release", "error", relErr)
		}
		relCancel()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		buf.Close()
		s.setState(StateIdle)
		s.setLastErr(err)
		s.log.Warn("capture unavailable", "error", err)
		return fmt.Errorf("%w: %s: %w", ErrCaptureUnavailable, s.source.Name(), err)
	}

	r := &run{
		buf:       buf,
		producer:  producer,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.cur.Store(r)
	s.runs.Add(1)
	s.setLastErr(nil)
	s.setState(StateRunning)

	// A producer that ends on its own closes the buffer, which ends the
	// fan-out loop.
	go func() {
		select {
		case <-producer.Done():
			buf.Close()
		case <-r.done:
		}
	}()
	go s.fanOut(runCtx, r)

	s.log.Info("stream started", "subscribers", s.SubscriberCount())
	return nil
}

// Stop ends the current run and waits until the producer has been released
// and the fan-out loop has exited, so a following Start cannot race the old
// capture resource. The wait is bounded by the shutdown timeout and ctx; on
// expiry the producer is force-released and ErrShutdownTimeout returned.
// Stop on an Idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	r := s.cur.Load()
	if r == nil {
		return nil
	}
	s.setState(StateStopping)
	r.stopping.Store(true)
	r.cancel()
	r.buf.Close()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-r.done:
	case <-timer.C:
		if !r.finished() {
			err = fmt.Errorf("%w after %s", ErrShutdownTimeout, s.cfg.ShutdownTimeout)
		}
	case <-ctx.Done():
		// select picks at random when both are ready.
		if !r.finished() {
			err = fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
		}
	}
	if err != nil {
		// The fan-out goroutine may be wedged inside its own release; an
		// expired context makes Release cancel the producer and return.
		expired, cancel := context.WithCancel(context.Background())
		cancel()
		r.producer.Release(expired)
		s.setLastErr(err)
		s.log.Error("forced stream shutdown", "error", err)
	}

	s.clearRun(r)
	s.log.Info("stream stopped", "uptime", time.Since(r.startedAt).Round(time.Millisecond))
	return err
}

// clearRun drops r as the current run. Callers hold lifecycle.
func (s *Session) clearRun(r *run) {
	if s.cur.CompareAndSwap(r, nil) {
		s.setState(StateIdle)
	}
}

// reap returns the session to Idle after a run ended without Stop, i.e.
// because the producer exited.
func (s *Session) reap(r *run) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cur.Load() != r {
		return
	}
	err := r.producer.Err()
	if err == nil {
		err = capture.ErrStreamEnded
	}
	s.setLastErr(err)
	s.clearRun(r)
	s.log.Warn("capture ended", "error", err)
}

// fanOut is the per-run distribution loop.
func (s *Session) fanOut(ctx context.Context, r *run) {
	defer s.finishRun(r)

	var last uint64
	for {
		frame, gen, err := r.buf.Read(ctx, last)
		if err != nil {
			return
		}
		last = gen
		s.broadcast(ctx, frame)
	}
}

// finishRun releases the producer and marks the run done.
func (s *Session) finishRun(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := r.producer.Release(ctx); err != nil {
		s.log.Warn("capture release did not complete", "error", err)
	}
	r.buf.Close()
	r.cancel()
	close(r.done)

	if !r.stopping.Load() {
		go s.reap(r)
	}
}

type sendResult struct {
	entry *entry
	err   error
}

// broadcast sends frame to every registered subscriber concurrently and
// evicts the ones that failed. It returns once every send has completed.
func (s *Session) broadcast(ctx context.Context, frame media.Frame) {
	s.framesBroadcast.Add(1)
	targets := s.snapshot()
	if len(targets) == 0 {
		return
	}

	results := make([]sendResult, len(targets))
	var g errgroup.Group
	for i, e := range targets {
		g.Go(func() error {
			results[i] = sendResult{entry: e}
			defer func() {
				if r := recover(); r != nil {
					results[i].err = fmt.Errorf("subscriber panicked: %v", r)
				}
			}()
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()
			results[i].err = e.sub.Send(sendCtx, frame)
			return nil
		})
	}
	g.Wait()

	var failed []sendResult
	for _, res := range results {
		if res.err != nil {
			failed = append(failed, res)
			continue
		}
		res.entry.recordSent(frame)
		s.deliveries.Add(1)
	}
	if len(failed) > 0 && ctx.Err() == nil {
		s.evict(failed)
	}
}

// snapshot copies the registry so no lock is held across a send.
func (s *Session) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.subs))
	for _, e := range s.subs {
		out = append(out, e)
	}
	return out
}

func (s *Session) evict(failed []sendResult) {
	s.mu.Lock()
	var evicted []sendResult
	for _, res := range failed {
		id := res.entry.sub.ID()
		if s.subs[id] == res.entry {
			delete(s.subs, id)
			evicted = append(evicted, res)
		}
	}
	onEvict := s.onEvict
	remaining := len(s.subs)
	s.mu.Unlock()

	for _, res := range evicted {
		s.evictions.Add(1)
		err := fmt.Errorf("%w: %w", ErrSendFailed, res.err)
		s.log.Info("subscriber evicted", "subscriber", res.entry.sub.ID(), "error", res.err, "subscribers", remaining)
		if onEvict != nil {
			onEvict(res.entry.sub.ID(), err)
		}
	}
}

// AddSubscriber registers sub for live frames. It returns false, and
// changes nothing, if a subscriber with the same ID is registered.
func (s *Session) AddSubscriber(sub Subscriber) bool {
	s.mu.Lock()
	if _, ok := s.subs[sub.ID()]; ok {
		s.mu.Unlock()
		return false
	}
	s.subs[sub.ID()] = &entry{sub: sub, joinedAt: time.Now()}
	n := len(s.subs)
	s.mu.Unlock()

	s.log.Info("subscriber added", "subscriber", sub.ID(), "subscribers", n)
	return true
}

// RemoveSubscriber unregisters the subscriber with the given ID. Removing
// an absent subscriber is a no-op that returns false.
func (s *Session) RemoveSubscriber(id string) bool {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	n := len(s.subs)
	s.mu.Unlock()

	if ok {
		s.log.Info("subscriber removed", "subscriber", id, "subscribers", n)
	}
	return ok
}

// SubscriberCount returns the number of registered subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscribers returns delivery metrics for every registered subscriber.
func (s *Session) Subscribers() []SubscriberStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]SubscriberStats, 0, len(s.subs))
	for _, e := range s.subs {
		stats = append(stats, e.stats())
	}
	return stats
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		Source:          s.source.Name(),
		State:           s.State(),
		Subscribers:     s.SubscriberCount(),
		Runs:            s.runs.Load(),
		FramesBroadcast: s.framesBroadcast.Load(),
		Deliveries:      s.deliveries.Load(),
		Evictions:       s.evictions.Load(),
	}
	if r := s.cur.Load(); r != nil {
		st.Generation = r.buf.Generation()
		st.UptimeMs = time.Since(r.startedAt).Milliseconds()
		if frame, ok := r.buf.Latest(); ok {
			st.LastFrameSize = frame.Size()
			st.LastFrameAtMs = frame.CapturedAt.UnixMilli()
		}
	}
	if err := s.lastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (s *Session) setLastErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Session) lastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}
