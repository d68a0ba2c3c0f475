package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/terrpan/brokerproxy/internal/model"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fake broker
// ---------------------------------------------------------------------------

// fakeBroker serves the token endpoint and the broker session API.
// Messages stay pending until acked, so an unacked message is redelivered
// on the next poll.
type fakeBroker struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	tokenStatus   int
	tokenForms    []map[string][]string
	sessionStatus int
	sessions      []string
	closed        []string
	pending       []brokerMessage
	acked         []int64
	pollAuthFails int // number of polls to answer with 401
	polls         int
	notify        chan struct{}
}

func newFakeBroker(t *testing.T) *fakeBroker {
	f := &fakeBroker{
		t:             t,
		tokenStatus:   http.StatusOK,
		sessionStatus: http.StatusOK,
		notify:        make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("POST /session", f.handleCreateSession)
	mux.HandleFunc("DELETE /session", f.handleCloseSession)
	mux.HandleFunc("GET /message", f.handlePoll)
	mux.HandleFunc("DELETE /message", f.handleAck)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBroker) credential(t *testing.T) *model.Credential {
	return &model.Credential{
		AgentID:   3,
		AgentName: "runner-3",
		BrokerURL: f.server.URL + "/",
		OAuth: model.OAuthDescriptor{
			ClientID:         "client-3",
			AuthorizationURL: f.server.URL + "/token",
		},
		RSA: model.RSAParametersFromKey(rsaKey(t)),
	}
}

func (f *fakeBroker) push(msg brokerMessage) {
	f.mu.Lock()
	f.pending = append(f.pending, msg)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeBroker) handleToken(w http.ResponseWriter, r *http.Request) {
	if !assert.NoError(f.t, r.ParseForm()) {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.tokenCalls++
	n := f.tokenCalls
	status := f.tokenStatus
	f.tokenForms = append(f.tokenForms, r.PostForm)
	f.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "invalid_client", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "token-" + strconv.Itoa(n),
		"token_type":   "bearer",
		"expires_in":   600,
	})
}

func (f *fakeBroker) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body)) {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	assert.Equal(f.t, "runner-3", body.Agent.Name)

	f.mu.Lock()
	status := f.sessionStatus
	id := "session-" + strconv.Itoa(len(f.sessions)+1)
	if status == http.StatusOK {
		f.sessions = append(f.sessions, id)
	}
	f.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	_ = json.NewEncoder(w).Encode(createSessionResponse{SessionID: id})
}

func (f *fakeBroker) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.closed = append(f.closed, r.URL.Query().Get("sessionId"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeBroker) handlePoll(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.polls++
	if f.pollAuthFails > 0 {
		f.pollAuthFails--
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Unlock()

	deadline := time.After(50 * time.Millisecond)
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			msg := f.pending[0]
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(msg)
			return
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-deadline:
			w.WriteHeader(http.StatusAccepted)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeBroker) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("messageId"), 10, 64)
	if !assert.NoError(f.t, err) {
		http.Error(w, "bad message id", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.acked = append(f.acked, id)
	for i, m := range f.pending {
		if m.MessageID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeBroker) snapshot() fakeBrokerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeBrokerState{
		tokenCalls: f.tokenCalls,
		sessions:   append([]string(nil), f.sessions...),
		closed:     append([]string(nil), f.closed...),
		acked:      append([]int64(nil), f.acked...),
		polls:      f.polls,
	}
}

type fakeBrokerState struct {
	tokenCalls int
	sessions   []string
	closed     []string
	acked      []int64
	polls      int
}

func jobMessage(id int64, jobID, actor string) brokerMessage {
	body, _ := json.Marshal(map[string]any{
		"jobId":           jobID,
		"jobDisplayName":  "build",
		"workflowRunId":   9001,
		"ownerName":       "octo",
		"repositoryName":  "app",
		"actor":           actor,
		"runnerRequestId": 77,
	})
	return brokerMessage{MessageID: id, MessageType: MessageJobRequest, Body: body}
}

// ---------------------------------------------------------------------------
// Recording observer
// ---------------------------------------------------------------------------

type failure struct {
	err         error
	consecutive int
	escalated   bool
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []Phase
	polled   int
	failures []failure
}

func (o *recordingObserver) PhaseChanged(_ string, p Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, p)
	o.mu.Unlock()
}

func (o *recordingObserver) Polled(string, time.Time) {
	o.mu.Lock()
	o.polled++
	o.mu.Unlock()
}

func (o *recordingObserver) Failed(_ string, err error, consecutive int, escalated bool) {
	o.mu.Lock()
	o.failures = append(o.failures, failure{err, consecutive, escalated})
	o.mu.Unlock()
}

func (o *recordingObserver) failed() []failure {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]failure(nil), o.failures...)
}

func (o *recordingObserver) sawPhase(p Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, seen := range o.phases {
		if seen == p {
			return true
		}
	}
	return false
}

func noJitter(time.Duration) time.Duration { return 0 }

// runClient starts c.Run in the background and returns a stop function
// that cancels it and returns Run's error.
func runClient(t *testing.T, c *Client, handler OfferHandler) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}
