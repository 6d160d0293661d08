package distribution

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsiec/framecast/internal/broadcast"
)

// messageResponse acknowledges a control command.
type messageResponse struct {
	Message string `json:"message"`
}

// statusResponse is the JSON body of /api/status.
type statusResponse struct {
	broadcast.Stats
	Pinned    bool   `json:"pinned"`
	LastFrame string `json:"lastFrame,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
}

// subscriberResponse is one element of /api/subscribers.
type subscriberResponse struct {
	broadcast.SubscriberStats
	Sent      string `json:"sent"`
	Connected string `json:"connected"`
}

type certHashResponse struct {
	Hash    string `json:"hash"`
	Expires string `json:"expires"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Gateway.StartStream(r.Context()); err != nil {
		s.log.Warn("start stream", "error", err)
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Stream started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Gateway.StopStream(r.Context()); err != nil {
		s.log.Warn("stop stream", "error", err)
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Stream stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.config.Session.Stats()
	resp := statusResponse{
		Stats:  stats,
		Pinned: s.config.Gateway.Pinned(),
	}
	if stats.LastFrameSize > 0 {
		resp.LastFrame = humanize.Bytes(uint64(stats.LastFrameSize))
	}
	if stats.UptimeMs > 0 {
		resp.Uptime = (time.Duration(stats.UptimeMs) * time.Millisecond).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubscribers(w http.ResponseWriter, _ *http.Request) {
	subs := s.config.Session.Subscribers()
	resp := make([]subscriberResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, subscriberResponse{
			SubscriberStats: sub,
			Sent:            humanize.Bytes(uint64(sub.BytesSent)),
			Connected:       humanize.Time(sub.JoinedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:    s.config.Cert.FingerprintBase64(),
		Expires: s.config.Cert.NotAfter.Format(time.RFC3339),
	})
}
