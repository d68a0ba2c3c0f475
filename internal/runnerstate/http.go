package runnerstate

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/terrpan/brokerproxy/internal/orchestrator"
)

// maxEventBody bounds POST /runner/events request bodies.
const maxEventBody = 64 << 10

// RegisterRoutes mounts the runner control API on mux:
//
//	GET  /runner/state   current View
//	POST /runner/pause   user pause
//	POST /runner/resume  user resume
//	POST /runner/events  an instance or job event reported by a worker
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runner/state", s.handleState)
	mux.HandleFunc("POST /runner/pause", s.handlePause)
	mux.HandleFunc("POST /runner/resume", s.handleResume)
	mux.HandleFunc("POST /runner/events", s.handleEvent)
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.View())
}

func (s *Service) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.Send(orchestrator.UserPause{})
	writeJSON(w, http.StatusOK, s.View())
}

func (s *Service) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.Send(orchestrator.UserResume{})
	writeJSON(w, http.StatusOK, s.View())
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var wire orchestrator.WireEvent
	if err := json.Unmarshal(body, &wire); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := orchestrator.Decode(wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Debug("external runner event", slog.String("event", string(event.Type())))
	s.Send(event)
	writeJSON(w, http.StatusAccepted, s.View())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
