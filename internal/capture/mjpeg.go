package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/framecast/internal/media"
)

// ErrStreamEnded is returned by ReadJPEGStream when the reader reaches EOF.
var ErrStreamEnded = errors.New("capture: stream ended")

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ScanJPEG is a bufio.SplitFunc that splits a concatenated MJPEG byte
// stream into complete JPEG images. Bytes before a start-of-image marker
// are skipped. Encoders emit baseline frames without embedded thumbnails,
// so the first end-of-image marker after the start closes the frame.
func ScanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may be the first half of a marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// IsJPEG reports whether data starts with a start-of-image marker and ends
// with an end-of-image marker.
func IsJPEG(data []byte) bool {
	return bytes.HasPrefix(data, jpegSOI) && bytes.HasSuffix(data, jpegEOI)
}

// ReadJPEGStream splits r into JPEG frames and writes each one to w until r
// is exhausted, r fails, or ctx is cancelled. Every frame gets its own copy
// of the bytes since the scanner reuses its buffer.
func ReadJPEGStream(ctx context.Context, r io.Reader, w FrameWriter) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), media.MaxFrameSize)
	sc.Split(ScanJPEG)

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data := make([]byte, len(sc.Bytes()))
		copy(data, sc.Bytes())
		w.Write(media.Frame{Data: data})
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("frame exceeds %d bytes: %w", media.MaxFrameSize, err)
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStreamEnded
}
