// Package distribution is the network face of framecast: WebSocket and
// MJPEG subscribers, the start/stop control surface and the status API,
// served over HTTP/1.1 (optionally TLS) and HTTP/3.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/framecast/internal/broadcast"
	"github.com/zsiec/framecast/internal/certs"
)

// Controller drives the stream lifecycle. *gateway.Gateway implements it.
type Controller interface {
	Connect(ctx context.Context, sub broadcast.Subscriber) error
	Disconnect(ctx context.Context, id string) error
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	Pinned() bool
}

// StatsProvider supplies the status API. *broadcast.Session implements it.
type StatsProvider interface {
	Stats() broadcast.Stats
	Subscribers() []broadcast.SubscriberStats
}

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// disconnectTimeout bounds the lifecycle work a closing subscriber triggers.
const disconnectTimeout = 10 * time.Second

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr       string
	H3Addr     string          // empty disables HTTP/3
	Cert       *certs.CertInfo // nil serves plain HTTP on Addr
	WebDir     string
	AuthSecret string // empty leaves /start and /stop open
	Gateway    Controller
	Session    StatsProvider
	Log        *slog.Logger
}

// Server serves every endpoint from one handler on each listener.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
	h3       *http3.Server
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Gateway == nil || config.Session == nil {
		return nil, errors.New("distribution: Gateway and Session are required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: HTTP/3 requires a certificate")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    log.With("component", "distribution"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Viewers are served from arbitrary origins on the local
			// network, matching the CORS policy of the REST API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      config.H3Addr,
			TLSConfig: http3.ConfigureTLSConfig(config.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	return s, nil
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /stream", s.handleMJPEG)
	mux.Handle("POST /start", s.protect(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /stop", s.protect(http.HandlerFunc(s.handleStop)))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/subscribers", s.handleSubscribers)
	if s.config.Cert != nil {
		mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	}

	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}

	return corsMiddleware(s.altSvcMiddleware(mux))
}

func (s *Server) protect(next http.Handler) http.Handler {
	if s.config.AuthSecret == "" {
		return next
	}
	return requireToken(s.config.AuthSecret, next)
}

// altSvcMiddleware advertises the HTTP/3 listener to HTTP/1.1 clients.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	if s.h3 == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// lifecycleStatus maps a session error to an HTTP status code.
func lifecycleStatus(err error) int {
	if errors.Is(err, broadcast.ErrCaptureUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ListenAndServe runs the HTTP (or HTTPS, when a certificate is configured)
// listener until ctx is cancelled. Cancelling ctx also cancels every request
// context, which ends long-lived MJPEG and WebSocket handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown", "error", err)
		}
	})
	defer stop()

	var err error
	if s.config.Cert != nil {
		srv.TLSConfig = s.config.Cert.TLSConfig()
		s.log.Info("HTTPS server listening", "addr", s.config.Addr, "cert_hash", s.config.Cert.FingerprintBase64())
		err = srv.ListenAndServeTLS("", "")
	} else {
		s.log.Info("HTTP server listening", "addr", s.config.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("HTTP server: %w", err)
}

// ListenAndServeH3 runs the HTTP/3 listener until ctx is cancelled. It
// returns immediately when HTTP/3 is not configured. WebSocket upgrades
// need HTTP/1.1 and are only available on the main listener.
func (s *Server) ListenAndServeH3(ctx context.Context) error {
	if s.h3 == nil {
		return nil
	}
	s.h3.Handler = s.withBaseContext(ctx, s.Handler())

	s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("HTTP/3 server: %w", err)
}

// withBaseContext cancels request contexts along with ctx, which
// http3.Server has no BaseContext hook for.
func (s *Server) withBaseContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		next.ServeHTTP(w, r.WithContext(reqCtx))
	})
}

// onCancel runs interrupt if ctx is done before release is called. release
// waits for an interrupt that already started, so the caller may tear down
// whatever interrupt touches once release returns.
func onCancel(ctx context.Context, interrupt func()) (release func()) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		interrupt()
	})
	return func() {
		if !stop() {
			<-done
		}
	}
}

// disconnect tells the gateway a subscriber went away. It runs after the
// request context may already be gone.
func (s *Server) disconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.config.Gateway.Disconnect(ctx, id); err != nil {
		s.log.Warn("stop after disconnect", "subscriber", id, "error", err)
	}
}
