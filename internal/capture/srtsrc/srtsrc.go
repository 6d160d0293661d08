// Package srtsrc pulls an MJPEG byte stream from a remote SRT listener,
// for cameras that publish over SRT instead of being attached locally.
package srtsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/capture"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// dialTimeout bounds Acquire when the remote listener does not answer.
const dialTimeout = 10 * time.Second

// Config names the remote feed.
type Config struct {
	Address  string // host:port of the SRT listener
	StreamID string // optional; sent in the SRT handshake
}

// Source dials the remote feed on every Acquire.
type Source struct {
	log *slog.Logger
	cfg Config
}

// New returns an SRT source. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) (*Source, error) {
	if cfg.Address == "" {
		return nil, errors.New("srtsrc: address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log: log.With("component", "srt-capture", "address", cfg.Address),
		cfg: cfg,
	}, nil
}

func (s *Source) Name() string { return "srt" }

// Acquire dials synchronously so an unreachable feed is reported to the
// caller of Start. A dial that outlives the timeout or ctx is drained in
// the background and its connection closed.
func (s *Source) Acquire(ctx context.Context, w capture.FrameWriter) (capture.Producer, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if s.cfg.StreamID != "" {
		cfg.StreamID = s.cfg.StreamID
	}

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.cfg.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		go drain(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go drain(ch)
		return nil, ctx.Err()
	}

	s.log.Info("connected", "remote", conn.RemoteAddr())

	return capture.Go(ctx, s.Name(), func(ctx context.Context) error {
		// Closing the connection unblocks the reader on release.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		defer conn.Close()

		err := capture.ReadJPEGStream(ctx, conn, w)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}), nil
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// drain waits for an abandoned dial and closes any connection it produced.
func drain(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
