package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/zsiec/framecast/internal/media"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []media.Frame
}

func (w *recordingWriter) Write(frame media.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, frame)
}

func (w *recordingWriter) snapshot() []media.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]media.Frame(nil), w.frames...)
}

func fakeJPEG(payload string) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

func TestReadJPEGStream(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.WriteString("garbage")
	stream.Write(fakeJPEG("one"))
	stream.Write(fakeJPEG("two"))
	stream.WriteString("\x00\x00")
	stream.Write(fakeJPEG("three"))
	stream.Write([]byte{0xFF, 0xD8, 'p', 'a', 'r', 't'}) // truncated tail

	tests := []struct {
		name string
		wrap bool
	}{
		{name: "whole buffer"},
		{name: "one byte at a time", wrap: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var w recordingWriter
			r := bytes.NewReader(stream.Bytes())
			var err error
			if tc.wrap {
				err = ReadJPEGStream(context.Background(), iotest.OneByteReader(r), &w)
			} else {
				err = ReadJPEGStream(context.Background(), r, &w)
			}
			if !errors.Is(err, ErrStreamEnded) {
				t.Fatalf("err: got %v, want ErrStreamEnded", err)
			}

			frames := w.snapshot()
			want := []string{"one", "two", "three"}
			if len(frames) != len(want) {
				t.Fatalf("got %d frames, want %d", len(frames), len(want))
			}
			for i, f := range frames {
				if !bytes.Equal(f.Data, fakeJPEG(want[i])) {
					t.Errorf("frame %d: got %x, want %x", i, f.Data, fakeJPEG(want[i]))
				}
				if !IsJPEG(f.Data) {
					t.Errorf("frame %d is not a complete JPEG", i)
				}
			}
		})
	}
}

func TestReadJPEGStreamCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var w recordingWriter
	err := ReadJPEGStream(ctx, bytes.NewReader(fakeJPEG("x")), &w)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err: got %v, want context.Canceled", err)
	}
}

func TestIsJPEG(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "complete", data: fakeJPEG("x"), want: true},
		{name: "missing end", data: []byte{0xFF, 0xD8, 1}, want: false},
		{name: "missing start", data: []byte{1, 0xFF, 0xD9}, want: false},
		{name: "empty", data: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsJPEG(tc.data); got != tc.want {
				t.Errorf("IsJPEG: got %v, want %v", got, tc.want)
			}
		})
	}
}
