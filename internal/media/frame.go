// Package media defines the frame type that flows from a capture source,
// through the frame buffer, to every subscriber.
package media

import "time"

// MaxFrameSize bounds a single encoded frame. Capture sources that split a
// byte stream into frames refuse anything larger.
const MaxFrameSize = 16 << 20

// Frame is one encoded JPEG image. Frames are immutable once written to a
// buffer: producers hand the Data slice over and must not touch it again,
// and subscribers must treat it as read-only since every subscriber shares
// the same backing array.
type Frame struct {
	Data       []byte
	Generation uint64    // assigned by the buffer on write, starting at 1
	CapturedAt time.Time // set by the producer, or by the buffer if zero
}

// Size returns the payload length in bytes.
func (f Frame) Size() int {
	return len(f.Data)
}
