package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a Client at an httptest TLS server. Non-github.com
// hosts are treated as GitHub Enterprise, so requests arrive under
// /api/v3/.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Host:         strings.TrimPrefix(srv.URL, "https://"),
		Token:        "ghp_test",
		HTTPClient:   srv.Client(),
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c, srv
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCancelWorkflowRun(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/octo/app/actions/runs/42/cancel", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "token ghp_test", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("POST /api/v3/repos/octo/app/actions/runs/43/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"Cannot cancel a workflow run that is completed."}`)
	})
	mux.HandleFunc("POST /api/v3/repos/octo/app/actions/runs/44/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.CancelWorkflowRun(context.Background(), "octo", "app", 42))
	assert.Equal(t, int32(1), calls.Load())

	assert.NoError(t, c.CancelWorkflowRun(context.Background(), "octo", "app", 43), "completed run counts as cancelled")

	err := c.CancelWorkflowRun(context.Background(), "octo", "app", 44)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestCancelWorkflowRun_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/repos/octo/app/actions/runs/7/cancel", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{}`)
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.CancelWorkflowRun(context.Background(), "octo", "app", 7))
	assert.Equal(t, int32(2), calls.Load())
}

func TestListContributors_Paginates(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/octo/app/contributors", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v3/repos/octo/app/contributors?per_page=100&page=2>; rel="next", <%s/api/v3/repos/octo/app/contributors?per_page=100&page=2>; rel="last"`, srvURL, srvURL))
			fmt.Fprint(w, `[{"login":"alice","type":"User"},{"login":"bob","type":"User"}]`)
		case "2":
			fmt.Fprint(w, `[{"login":"dependabot[bot]","type":"Bot"}]`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	c, srv := newTestClient(t, mux)
	srvURL = srv.URL

	logins, err := c.ListContributors(context.Background(), "octo", "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "dependabot[bot]"}, logins)
}

func TestCurrentUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/user", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"login":"octocat","id":1}`)
	})
	c, _ := newTestClient(t, mux)

	login, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octocat", login)
}

func TestNew_HostWithPortSendsToken(t *testing.T) {
	var auth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"login":"octocat"}`)
	})
	c, srv := newTestClient(t, mux)
	require.Contains(t, strings.TrimPrefix(srv.URL, "https://"), ":")

	_, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token ghp_test", auth.Load())
}

func TestPortHostAuth(t *testing.T) {
	var got []string
	next := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = append(got, r.Header.Get("Authorization"))
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})
	rt := &portHostAuth{hostname: "ghe.example.com", token: "tok", next: next}

	for _, u := range []string{
		"https://ghe.example.com:8443/api/v3/user",
		"https://GHE.example.com:8443/api/v3/user",
		"https://evil.example.net:8443/api/v3/user",
	} {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		require.NoError(t, err)
		_, err = rt.RoundTrip(req)
		require.NoError(t, err)
		assert.Empty(t, req.Header.Get("Authorization"), "caller's request is not mutated")
	}

	req, err := http.NewRequest(http.MethodGet, "https://ghe.example.com:8443/x", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "token other")
	_, err = rt.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"token tok", "token tok", "", "token other"}, got)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNextPage(t *testing.T) {
	assert.Equal(t, "https://x/a?page=3",
		nextPage(`<https://x/a?page=1>; rel="prev", <https://x/a?page=3>; rel="next"`))
	assert.Empty(t, nextPage(`<https://x/a?page=1>; rel="prev"`))
	assert.Empty(t, nextPage(""))
}
