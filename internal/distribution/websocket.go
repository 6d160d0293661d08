package distribution

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/framecast/internal/media"
)

// maxClientMessage caps what a viewer may send us; its messages are only
// read to notice the socket closing.
const maxClientMessage = 4096

// closeGrace bounds the close handshake on shutdown or refusal.
const closeGrace = time.Second

// defaultWriteTimeout applies to a send whose context carries no deadline.
const defaultWriteTimeout = 5 * time.Second

// expireInterval is how often a cancelled send re-expires the socket's
// write deadline.
const expireInterval = 10 * time.Millisecond

var errSubscriberClosed = errors.New("distribution: subscriber closed")

// wsSubscriber delivers every frame as one binary WebSocket message.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex // one writer at a time
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{id: "ws-" + uuid.NewString(), conn: conn}
}

func (s *wsSubscriber) ID() string { return s.id }

// Send writes frame within the deadline of ctx. Cancelling ctx expires the
// socket's write deadline so a blocked write returns at once. Any failure
// closes the socket, which ends the handler's read loop.
func (s *wsSubscriber) Send(ctx context.Context, frame media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	s.conn.SetWriteDeadline(deadline)

	// gorilla re-arms its stored deadline on the net.Conn before every
	// socket write, and that field may not be touched concurrently. Keep
	// expiring the net.Conn deadline until the write returns instead.
	writing := make(chan struct{})
	release := onCancel(ctx, func() {
		tick := time.NewTicker(expireInterval)
		defer tick.Stop()
		for {
			s.conn.NetConn().SetWriteDeadline(time.Now())
			select {
			case <-writing:
				return
			case <-tick.C:
			}
		}
	})
	err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data)
	close(writing)
	release()

	if err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := newWSSubscriber(conn)
	log := s.log.With("subscriber", sub.id, "remote", r.RemoteAddr)

	if err := s.config.Gateway.Connect(r.Context(), sub); err != nil {
		log.Warn("websocket subscriber refused", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capture unavailable")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		return
	}
	defer s.disconnect(sub.id)
	log.Info("websocket subscriber connected")

	// Server shutdown cancels the request context.
	stop := context.AfterFunc(r.Context(), func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(maxClientMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info("websocket closed", "error", err)
			} else {
				log.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}
