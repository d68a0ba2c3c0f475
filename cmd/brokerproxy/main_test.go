package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/brokerproxy/internal/config"
	"github.com/terrpan/brokerproxy/internal/credential"
	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/orchestrator"
	"github.com/terrpan/brokerproxy/internal/proxy"
	"github.com/terrpan/brokerproxy/internal/runnerstate"
)

// ---------------------------------------------------------------------------
// Flag overrides
// ---------------------------------------------------------------------------

func TestApplyFlagOverrides(t *testing.T) {
	saved := flagOverrides
	t.Cleanup(func() { flagOverrides = saved })

	cfg := &config.Config{
		Listener: config.ListenerConfig{Port: 8000},
		Runner:   config.RunnerConfig{Parallelism: 2},
		Logging:  config.LoggingConfig{Level: "info", Format: "text"},
	}

	flagOverrides = config.Config{}
	applyFlagOverrides(cfg)
	assert.Equal(t, 8000, cfg.Listener.Port, "zero flags leave the file values alone")
	assert.Equal(t, 2, cfg.Runner.Parallelism)

	flagOverrides.Listener.Port = 9000
	flagOverrides.Runner.Parallelism = 4
	flagOverrides.GitHub.Token = "tok"
	flagOverrides.Logging.Level = "debug"
	flagOverrides.Logging.Format = "json"
	applyFlagOverrides(cfg)
	assert.Equal(t, 9000, cfg.Listener.Port)
	assert.Equal(t, 4, cfg.Runner.Parallelism)
	assert.Equal(t, "tok", cfg.GitHub.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLocalURL(t *testing.T) {
	_, err := localURL(&config.Config{})
	assert.Error(t, err, "ephemeral port cannot be discovered")

	u, err := localURL(&config.Config{Listener: config.ListenerConfig{Host: "127.0.0.1", Port: 8484}})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8484", u)
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

type memStore struct {
	creds map[string]*model.Credential
}

func (m *memStore) Load(id string) (*model.Credential, error) {
	if c, ok := m.creds[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("target %s: %w", id, credential.ErrNotFound)
}

func (m *memStore) Save(id string, c *model.Credential) error {
	m.creds[id] = c
	return nil
}

func (m *memStore) Clear(id string) error {
	delete(m.creds, id)
	return nil
}

func TestLoadCredential(t *testing.T) {
	stored := &model.Credential{AgentID: 1, AgentName: "local"}
	store := &memStore{creds: map[string]*model.Credential{"app": stored}}

	cred, err := loadCredential(store, config.TargetConfig{ID: "app"})
	require.NoError(t, err)
	assert.Same(t, stored, cred)

	_, err = loadCredential(store, config.TargetConfig{ID: "other"})
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, err = loadCredential(store, config.TargetConfig{ID: "other", RunnerDir: t.TempDir()})
	assert.Error(t, err, "an empty runner directory cannot be imported")
	_, ok := store.creds["other"]
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Local client + rendering
// ---------------------------------------------------------------------------

func fakeListener(t *testing.T) *httptest.Server {
	t.Helper()
	poll := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := orchestrator.Initial()
	st.Phase = orchestrator.PhaseRunning
	st.Activity = orchestrator.ActivityBusy
	st.Instances = map[int]orchestrator.Instance{
		1: {ID: 1, Status: orchestrator.StatusBusy, CurrentJob: &orchestrator.JobSummary{ID: "42", Name: "build"}},
		2: {ID: 2, Status: orchestrator.StatusError, FatalError: true, Error: "no such image"},
	}

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []model.TargetSessionState{
			{TargetID: "app", Name: "octo/app", Enabled: true, Phase: "polling", SessionActive: true, LastPoll: &poll, JobsAssigned: 3},
			{TargetID: "org", Name: "octo", Enabled: true, Phase: "reconnecting", Error: "unauthorized"},
		})
	})
	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, proxy.JobsResponse{Queued: 2, HasQueuedJobs: true})
	})
	mux.HandleFunc("GET /runner/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, runnerstate.View{State: st})
	})
	mux.HandleFunc("POST /runner/pause", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, runnerstate.View{Pause: runnerstate.PauseState{Paused: true, Source: "user", Reason: runnerstate.UserPauseReason}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := fakeListener(t)

	cmd := newStatusCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--addr", srv.URL})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "running / busy")
	assert.Contains(t, text, "octo/app")
	assert.Contains(t, text, "unauthorized")
	assert.Contains(t, text, `running "build"`)
	assert.Contains(t, text, "fatal: no such image")
	assert.Contains(t, text, "queued jobs: 2")
}

func TestStatusCommand_JSON(t *testing.T) {
	srv := fakeListener(t)

	cmd := newStatusCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--addr", srv.URL, "--json"})
	require.NoError(t, cmd.Execute())

	var snap statusSnapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	require.Len(t, snap.Targets, 2)
	assert.Equal(t, 2, snap.Jobs.Queued)
	assert.Equal(t, "build", snap.Runner.State.Instances[1].CurrentJob.Name)
}

func TestPauseCommand(t *testing.T) {
	srv := fakeListener(t)

	cmd := newPauseCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--addr", srv.URL})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "paused (user)")
}

func TestResumeCommand_ServerError(t *testing.T) {
	srv := fakeListener(t)

	cmd := newResumeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", srv.URL})
	err := cmd.Execute()
	require.Error(t, err, "the fake listener has no resume route")
	assert.Contains(t, err.Error(), "/runner/resume")
}

func TestRenderPause(t *testing.T) {
	assert.Contains(t, renderPause(runnerstate.PauseState{}), "running")
	assert.Contains(t, renderPause(runnerstate.PauseState{Paused: true, Source: "resource", Reason: "low memory"}),
		"paused (resource): low memory")
}
