// Package api is the local HTTP surface a front-end talks to: JSON posts
// for call control and an SSE stream for everything the UI must react to
// (ringing, state changes, remote media, call end).
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/callkit/internal/call"
	"github.com/parleyhq/callkit/internal/proto"
	"github.com/parleyhq/callkit/internal/signal"
)

var log = logging.Logger("api")

// Server exposes one call.Service over HTTP.
type Server struct {
	svc    *call.Service
	health func() signal.Health
}

// New builds the server. health may be nil when no channel diagnostics
// are available (tests).
func New(svc *call.Service, health func() signal.Health) *Server {
	return &Server{svc: svc, health: health}
}

// Register installs all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	// GET /api/call/status — current machine state for polling UIs.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.svc.Status())
	})

	// GET /api/call/debug — status plus channel health, for testing
	// without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"status":       s.svc.Status(),
			"remoteTracks": len(s.svc.CurrentRemoteStream()),
		}
		if s.health != nil {
			out["signal"] = s.health()
		}
		writeJSON(w, out)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetID    string `json:"target_id"`
		DisplayName string `json:"display_name"`
		CallType    string `json:"call_type"`
	}) {
		if req.TargetID == "" {
			http.Error(w, "missing target_id", http.StatusBadRequest)
			return
		}
		ct := proto.CallType(req.CallType)
		if req.CallType == "" {
			ct = proto.CallTypeVideo
		}
		c, err := s.svc.InitiateCall(req.TargetID, req.DisplayName, ct)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "call_id": c.ID})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.svc.AcceptCall(); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.svc.RejectCall(); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.svc.EndCall(); err != nil {
			http.Error(w, fmt.Sprintf("hangup failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		enabled, err := s.svc.ToggleAudio()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		enabled, err := s.svc.ToggleVideo()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"enabled": enabled})
	})

	// GET /api/call/events — SSE stream of service events. Each connection
	// gets its own subscription, dropped on disconnect so the hub never
	// accumulates stale listeners.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := s.svc.Listen()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	})

	log.Debug("call routes registered")
}
