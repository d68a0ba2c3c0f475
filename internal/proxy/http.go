package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/terrpan/brokerproxy/internal/health"
)

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	Queued        int  `json:"queued"`
	HasQueuedJobs bool `json:"hasQueuedJobs"`
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Handler(s.engine, s))
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/next", s.handleNextJob)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.extraRoutes != nil {
		s.extraRoutes(mux)
	}
	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStatus())
}

func (s *Service) handleJobs(w http.ResponseWriter, _ *http.Request) {
	n := s.QueuedJobs()
	writeJSON(w, http.StatusOK, JobsResponse{Queued: n, HasQueuedJobs: n > 0})
}

// handleNextJob answers 200 with a job, or 204 when none may be taken.
func (s *Service) handleNextJob(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.GetQueuedJob()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ health.Reporter = (*Service)(nil)
