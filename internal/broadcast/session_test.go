package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/media"
)

// fakeSource hands out producers that run until released. Frames are
// injected with emit.
type fakeSource struct {
	acquireErr   error
	delay        time.Duration
	releaseDelay time.Duration
	wedged       bool
	unwedge    chan struct{}
	crash      chan error

	acquires atomic.Int32
	live     atomic.Int32
	maxLive  atomic.Int32

	mu sync.Mutex
	w  capture.FrameWriter
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		unwedge: make(chan struct{}),
		crash:   make(chan error, 1),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Acquire(ctx context.Context, w capture.FrameWriter) (capture.Producer, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	time.Sleep(f.delay)
	f.acquires.Add(1)
	n := f.live.Add(1)
	for {
		m := f.maxLive.Load()
		if n <= m || f.maxLive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.w = w
	f.mu.Unlock()

	return capture.Go(ctx, f.Name(), func(ctx context.Context) error {
		defer f.live.Add(-1)
		if f.wedged {
			<-f.unwedge
			return nil
		}
		select {
		case <-ctx.Done():
			time.Sleep(f.releaseDelay)
			return ctx.Err()
		case err := <-f.crash:
			return err
		}
	}), nil
}

func (f *fakeSource) emit(data string) {
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	w.Write(media.Frame{Data: []byte(data)})
}

// fakeSub records every generation it was sent.
type fakeSub struct {
	id    string
	fail  error
	block bool

	mu   sync.Mutex
	gens []uint64
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ctx context.Context, frame media.Frame) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	f.gens = append(f.gens, frame.Generation)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) received() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.gens...)
}

func (f *fakeSub) last() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.gens) == 0 {
		return 0
	}
	return f.gens[len(f.gens)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSession(t *testing.T, src *fakeSource, cfg Config) *Session {
	t.Helper()
	s := NewSession(src, cfg, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestFailingSubscriberIsEvicted(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{})

	var evictedMu sync.Mutex
	var evicted []string
	s.SetEvictHandler(func(id string, err error) {
		if !errors.Is(err, ErrSendFailed) {
			t.Errorf("evict error %v does not wrap ErrSendFailed", err)
		}
		evictedMu.Lock()
		evicted = append(evicted, id)
		evictedMu.Unlock()
	})

	var healthy []*fakeSub
	for i := range 3 {
		sub := &fakeSub{id: fmt.Sprintf("ok-%d", i)}
		healthy = append(healthy, sub)
		s.AddSubscriber(sub)
	}
	s.AddSubscriber(&fakeSub{id: "bad", fail: errors.New("connection reset")})

	src.emit("one")
	waitFor(t, "eviction", func() bool { return s.SubscriberCount() == 3 })
	for _, sub := range healthy {
		waitFor(t, sub.id+" frame 1", func() bool { return sub.last() == 1 })
	}

	src.emit("two")
	for _, sub := range healthy {
		waitFor(t, sub.id+" frame 2", func() bool { return sub.last() == 2 })
		got := sub.received()
		if len(got) != 2 || got[0] != 1 || got[1] != 2 {
			t.Errorf("%s received %v, want [1 2]", sub.id, got)
		}
	}

	evictedMu.Lock()
	defer evictedMu.Unlock()
	if len(evicted) != 1 || evicted[0] != "bad" {
		t.Errorf("evicted: got %v, want [bad]", evicted)
	}
	if n := s.Stats().Evictions; n != 1 {
		t.Errorf("Evictions: got %d, want 1", n)
	}
}

func TestBlockedSubscriberDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{SendTimeout: 50 * time.Millisecond})

	healthy := &fakeSub{id: "healthy"}
	s.AddSubscriber(healthy)
	s.AddSubscriber(&fakeSub{id: "stuck", block: true})

	src.emit("one")
	waitFor(t, "stuck subscriber eviction", func() bool { return s.SubscriberCount() == 1 })
	waitFor(t, "frame 1", func() bool { return healthy.last() == 1 })

	src.emit("two")
	waitFor(t, "frame 2", func() bool { return healthy.last() == 2 })
}

func TestDeliveryIsMonotonic(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{})
	sub := &fakeSub{id: "viewer"}
	s.AddSubscriber(sub)

	const frames = 200
	for i := range frames {
		src.emit(fmt.Sprintf("frame-%d", i))
	}
	waitFor(t, "final frame", func() bool { return sub.last() == frames })

	got := sub.received()
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("generation %d delivered after %d", got[i], got[i-1])
		}
	}
}

func TestConcurrentStartAcquiresOnce(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.delay = 20 * time.Millisecond
	s := NewSession(src, Config{}, nil)
	defer s.Stop(context.Background())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(context.Background()); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := src.acquires.Load(); n != 1 {
		t.Errorf("acquires: got %d, want 1", n)
	}
	if n := src.maxLive.Load(); n != 1 {
		t.Errorf("max live producers: got %d, want 1", n)
	}
	if st := s.State(); st != StateRunning {
		t.Errorf("state: got %s, want running", st)
	}
}

func TestRestartResetsGeneration(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{})
	sub := &fakeSub{id: "viewer"}
	s.AddSubscriber(sub)

	src.emit("a")
	src.emit("b")
	waitFor(t, "frame 2", func() bool { return sub.last() == 2 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := src.live.Load(); n != 0 {
		t.Fatalf("live producers after Stop: got %d, want 0", n)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	src.emit("c")
	waitFor(t, "first frame of new run", func() bool { return sub.last() == 1 })
	if gen := s.Stats().Generation; gen != 1 {
		t.Errorf("Generation after restart: got %d, want 1", gen)
	}
	if n := s.Stats().Runs; n != 2 {
		t.Errorf("Runs: got %d, want 2", n)
	}
}

func TestStartCaptureUnavailable(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.acquireErr = errors.New("camera busy")
	s := NewSession(src, Config{}, nil)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Start: got %v, want ErrCaptureUnavailable", err)
	}
	if !errors.Is(err, src.acquireErr) {
		t.Errorf("Start error %v does not wrap the cause", err)
	}
	if st := s.State(); st != StateIdle {
		t.Errorf("state: got %s, want idle", st)
	}
	if s.Stats().LastError == "" {
		t.Error("LastError should be recorded")
	}
}

func TestAbandonedStartReleasesBeforeReturning(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.delay = 30 * time.Millisecond
	src.releaseDelay = 100 * time.Millisecond
	s := NewSession(src, Config{}, nil)
	defer s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	if !errors.Is(err, ErrCaptureUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start: got %v, want ErrCaptureUnavailable wrapping DeadlineExceeded", err)
	}
	if n := src.live.Load(); n != 0 {
		t.Errorf("live producers after abandoned Start: got %d, want 0", n)
	}
	if st := s.State(); st != StateIdle {
		t.Errorf("state: got %s, want idle", st)
	}

	src.delay = 0
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after abandoned Start: %v", err)
	}
	if n := src.maxLive.Load(); n != 1 {
		t.Errorf("max live producers: got %d, want 1", n)
	}
}

func TestStopAfterRunFinishedIsNotATimeout(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := NewSession(src, Config{}, nil)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := range 20 {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		src.crash <- errors.New("device unplugged")
		waitFor(t, "producer exit", func() bool { return src.live.Load() == 0 })
		time.Sleep(10 * time.Millisecond)

		if err := s.Stop(cancelled); err != nil {
			t.Fatalf("Stop %d after the run finished: %v", i, err)
		}
		if st := s.State(); st != StateIdle {
			t.Fatalf("state %d: got %s, want idle", i, st)
		}
	}
}

func TestStopCancelsInFlightSends(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{SendTimeout: 10 * time.Second})
	s.AddSubscriber(&fakeSub{id: "stuck", block: true})
	src.emit("one")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Stop took %s", d)
	}
	if n := s.SubscriberCount(); n != 1 {
		t.Errorf("subscribers after Stop: got %d, want 1", n)
	}
}

func TestStopShutdownTimeout(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.wedged = true
	defer close(src.unwedge)
	s := startSession(t, src, Config{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop: got %v, want ErrShutdownTimeout", err)
	}
	if st := s.State(); st != StateIdle {
		t.Errorf("state: got %s, want idle", st)
	}
}

func TestProducerExitReturnsToIdle(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	s := startSession(t, src, Config{})

	src.crash <- errors.New("device unplugged")
	waitFor(t, "idle", func() bool { return s.State() == StateIdle })
	if got := s.Stats().LastError; got != "device unplugged" {
		t.Errorf("LastError: got %q", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	if n := src.acquires.Load(); n != 2 {
		t.Errorf("acquires: got %d, want 2", n)
	}
}

func TestIdempotentOperations(t *testing.T) {
	t.Parallel()

	s := NewSession(newFakeSource(), Config{}, nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop on idle session: %v", err)
	}
	if s.RemoveSubscriber("nobody") {
		t.Error("RemoveSubscriber of an absent id should report false")
	}

	sub := &fakeSub{id: "a"}
	if !s.AddSubscriber(sub) {
		t.Fatal("first AddSubscriber should succeed")
	}
	if s.AddSubscriber(&fakeSub{id: "a"}) {
		t.Error("duplicate AddSubscriber should fail")
	}
	if !s.RemoveSubscriber("a") || s.RemoveSubscriber("a") {
		t.Error("RemoveSubscriber should succeed exactly once")
	}
}

func TestStateText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		b, _ := tc.state.MarshalText()
		if string(b) != tc.want {
			t.Errorf("State(%d): got %q, want %q", tc.state, b, tc.want)
		}
	}
}
