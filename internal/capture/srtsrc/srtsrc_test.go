package srtsrc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/media"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) Write(frame media.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame.Data)
	r.mu.Unlock()
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("New should reject an empty address")
	}
	src, err := New(Config{Address: "127.0.0.1:6000", StreamID: "live/cam"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if src.Name() != "srt" {
		t.Errorf("Name: got %q, want %q", src.Name(), "srt")
	}
}

func TestAcquireReadsFramesFromListener(t *testing.T) {
	t.Parallel()

	cfg := srtgo.DefaultConfig()
	cfg.Latency = 20 * time.Millisecond
	l, err := srtgo.Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	streamIDs := make(chan string, 1)
	l.SetAcceptFunc(func(req srtgo.ConnRequest) bool {
		select {
		case streamIDs <- req.StreamID:
		default:
		}
		return true
	})

	accepted := make(chan *srtgo.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	src, err := New(Config{Address: l.Addr().String(), StreamID: "live/cam"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := &frameRecorder{}
	producer, err := src.Acquire(context.Background(), rec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer producer.Release(context.Background())

	select {
	case id := <-streamIDs:
		if id != "live/cam" {
			t.Errorf("StreamID: got %q, want %q", id, "live/cam")
		}
	case <-time.After(3 * time.Second):
		t.Error("listener never saw the handshake")
	}

	var server *srtgo.Conn
	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("listener never accepted the connection")
	}
	defer server.Close()

	// Two images back to back with junk in between, as an encoder emits them.
	payload := []byte{
		0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9,
		0x00,
		0xFF, 0xD8, 0x03, 0x04, 0x05, 0xFF, 0xD9,
	}
	if _, err := server.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rec.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("frames received: got %d, want 2", rec.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.mu.Lock()
	first, second := rec.frames[0], rec.frames[1]
	rec.mu.Unlock()
	if len(first) != 6 || len(second) != 7 {
		t.Errorf("frame sizes: got %d and %d, want 6 and 7", len(first), len(second))
	}

	if err := producer.Release(context.Background()); err != nil {
		t.Errorf("Release: %v", err)
	}
	if err := producer.Err(); err != nil {
		t.Errorf("Err after Release: %v", err)
	}
}

func TestAcquireCancelledMidDial(t *testing.T) {
	t.Parallel()

	// A bound UDP socket that never answers the handshake.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	src, err := New(Config{Address: silent.LocalAddr().String()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	producer, err := src.Acquire(ctx, &frameRecorder{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire: got %v, want context.Canceled", err)
	}
	if producer != nil {
		t.Error("Acquire returned a producer alongside an error")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Acquire took %s after cancel", d)
	}
}
