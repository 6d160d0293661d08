package distribution

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/framecast/internal/media"
)

const mjpegBoundary = "frame"

// mjpegSubscriber streams frames as parts of a multipart/x-mixed-replace
// response, which browsers render natively in an <img> tag.
type mjpegSubscriber struct {
	id string
	w  http.ResponseWriter
	rc *http.ResponseController

	mu     sync.Mutex
	closed bool

	failed   chan struct{}
	failOnce sync.Once
}

func newMJPEGSubscriber(w http.ResponseWriter) *mjpegSubscriber {
	return &mjpegSubscriber{
		id:     "mjpeg-" + uuid.NewString(),
		w:      w,
		rc:     http.NewResponseController(w),
		failed: make(chan struct{}),
	}
}

func (s *mjpegSubscriber) ID() string { return s.id }

// Send writes one part and flushes it. The response writer is only touched
// under mu and never after close, which the handler calls before returning.
func (s *mjpegSubscriber) Send(ctx context.Context, frame media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSubscriberClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	s.rc.SetWriteDeadline(deadline)

	release := onCancel(ctx, func() { s.rc.SetWriteDeadline(time.Now()) })
	err := writePart(s.w, frame.Data)
	if err == nil {
		err = s.rc.Flush()
	}
	release()

	if err != nil {
		s.failOnce.Do(func() { close(s.failed) })
		return err
	}
	return nil
}

// close waits for an in-flight Send and disables further ones.
func (s *mjpegSubscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func writePart(w http.ResponseWriter, data []byte) error {
	header := "--" + mjpegBoundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(data)) + "\r\n\r\n"
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	sub := newMJPEGSubscriber(w)
	log := s.log.With("subscriber", sub.id, "remote", r.RemoteAddr)

	h := w.Header()
	h.Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mjpegBoundary))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")

	if err := s.config.Gateway.Connect(r.Context(), sub); err != nil {
		log.Warn("mjpeg subscriber refused", "error", err)
		sub.close()
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	defer s.disconnect(sub.id)
	defer sub.close()
	log.Info("mjpeg subscriber connected")

	select {
	case <-r.Context().Done():
	case <-sub.failed:
	}
	log.Debug("mjpeg subscriber closed")
}
