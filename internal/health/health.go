// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/brokerproxy/internal/buildinfo"
	"github.com/terrpan/brokerproxy/internal/model"
)

// Reporter supplies the live proxy state included in the response.
type Reporter interface {
	GetStatus() []model.TargetSessionState
	QueuedJobs() int
}

// Targets summarises target session health.
type Targets struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Active  int `json:"active"`
	Errored int `json:"errored"`
}

// Response represents the health check response body.
type Response struct {
	Status        string    `json:"status"`
	ServiceName   string    `json:"service_name"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	RunnerVersion string    `json:"runner_version"`
	GoVersion     string    `json:"go_version"`
	OS            string    `json:"os"`
	Architecture  string    `json:"architecture"`
	Engine        string    `json:"engine"`
	Targets       Targets   `json:"targets"`
	QueuedJobs    int       `json:"queued_jobs"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the worker
// engine and a summary of target sessions. It always answers 200 OK:
// per-target errors are reported as "degraded" since healthy targets keep
// serving jobs.
func Handler(engine string, reporter Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:        "healthy",
			ServiceName:   "brokerproxy",
			Version:       buildinfo.Version,
			Commit:        buildinfo.Commit,
			BuildTime:     buildinfo.BuildTime,
			RunnerVersion: buildinfo.RunnerVersion,
			GoVersion:     runtime.Version(),
			OS:            runtime.GOOS,
			Architecture:  runtime.GOARCH,
			Engine:        engine,
			Timestamp:     time.Now().UTC(),
		}

		if reporter != nil {
			for _, t := range reporter.GetStatus() {
				response.Targets.Total++
				if t.Enabled {
					response.Targets.Enabled++
				}
				if t.SessionActive {
					response.Targets.Active++
				}
				if t.Error != "" {
					response.Targets.Errored++
				}
			}
			response.QueuedJobs = reporter.QueuedJobs()
		}
		if response.Targets.Errored > 0 {
			response.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
