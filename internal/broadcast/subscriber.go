package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zsiec/framecast/internal/media"
)

// Subscriber is one connected consumer. Send pushes a frame to the remote
// peer and must honour ctx: the session bounds every send with a timeout
// and cancels in-flight sends on Stop. A Send error evicts the subscriber.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, frame media.Frame) error
}

// SubscriberStats captures per-subscriber delivery metrics.
type SubscriberStats struct {
	ID             string    `json:"id"`
	JoinedAt       time.Time `json:"joinedAt"`
	FramesSent     int64     `json:"framesSent"`
	BytesSent      int64     `json:"bytesSent"`
	LastGeneration uint64    `json:"lastGeneration"`
}

// entry is the registry record for one subscriber.
type entry struct {
	sub      Subscriber
	joinedAt time.Time

	framesSent atomic.Int64
	bytesSent  atomic.Int64
	lastGen    atomic.Uint64
}

func (e *entry) recordSent(frame media.Frame) {
	e.framesSent.Add(1)
	e.bytesSent.Add(int64(frame.Size()))
	e.lastGen.Store(frame.Generation)
}

func (e *entry) stats() SubscriberStats {
	return SubscriberStats{
		ID:             e.sub.ID(),
		JoinedAt:       e.joinedAt,
		FramesSent:     e.framesSent.Load(),
		BytesSent:      e.bytesSent.Load(),
		LastGeneration: e.lastGen.Load(),
	}
}
