// Package github is the small GitHub REST surface the proxy needs:
// cancelling workflow runs, listing contributors and resolving the
// authenticated user.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cli/go-gh/v2/pkg/api"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultHost is used when Config.Host is empty.
const DefaultHost = "github.com"

// Config holds the Client parameters.
type Config struct {
	// Host is github.com or a GitHub Enterprise Server host name.
	Host  string
	Token string
	// HTTPClient is the base client wrapped by the retrying transport.
	// Defaults to a pooled cleanhttp client.
	HTTPClient *http.Client
	RetryMax   int
	// RetryWaitMin and RetryWaitMax bound the delay between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger
}

// Client calls the GitHub REST API through go-gh, with retries on
// connection errors, 429 and 5xx responses.
type Client struct {
	rest   *api.RESTClient
	logger *slog.Logger
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retry.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retry.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.HTTPClient != nil {
		retry.HTTPClient = cfg.HTTPClient
	}
	retry.Logger = cfg.Logger

	transport := retry.StandardClient().Transport
	if hostname, _, err := net.SplitHostPort(cfg.Host); err == nil {
		transport = &portHostAuth{hostname: hostname, token: cfg.Token, next: transport}
	}

	rest, err := api.NewRESTClient(api.ClientOptions{
		Host:      cfg.Host,
		AuthToken: cfg.Token,
		Transport: transport,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating github client: %w", err)
	}
	return &Client{rest: rest, logger: cfg.Logger}, nil
}

// portHostAuth adds the token for a Host with an explicit port. go-gh only
// authorizes requests whose host name equals Host, and a host name never
// carries the port.
type portHostAuth struct {
	hostname string
	token    string
	next     http.RoundTripper
}

func (t *portHostAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "" && strings.EqualFold(req.URL.Hostname(), t.hostname) {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "token "+t.token)
	}
	return t.next.RoundTrip(req)
}

// CancelWorkflowRun requests cancellation of a workflow run. A run that
// has already finished (409) is treated as cancelled.
func (c *Client) CancelWorkflowRun(ctx context.Context, owner, repo string, runID int64) error {
	path := fmt.Sprintf("repos/%s/%s/actions/runs/%d/cancel", url.PathEscape(owner), url.PathEscape(repo), runID)
	err := c.rest.DoWithContext(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		if StatusCode(err) == http.StatusConflict {
			c.logger.Debug("workflow run already completed", slog.Int64("runID", runID))
			return nil
		}
		return fmt.Errorf("cancel workflow run %d: %w", runID, err)
	}
	return nil
}

// ListContributors returns the logins of every contributor to a
// repository, following pagination.
func (c *Client) ListContributors(ctx context.Context, owner, repo string) ([]string, error) {
	next := fmt.Sprintf("repos/%s/%s/contributors?per_page=100", url.PathEscape(owner), url.PathEscape(repo))

	var logins []string
	for next != "" {
		resp, err := c.rest.RequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("list contributors of %s/%s: %w", owner, repo, err)
		}

		var page []struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		}
		err = decodeJSON(resp, &page)
		if err != nil {
			return nil, fmt.Errorf("list contributors of %s/%s: %w", owner, repo, err)
		}
		for _, p := range page {
			if p.Login != "" {
				logins = append(logins, p.Login)
			}
		}
		next = nextPage(resp.Header.Get("Link"))
	}
	return logins, nil
}

// CurrentUser returns the login of the token's owner.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := c.rest.DoWithContext(ctx, http.MethodGet, "user", nil, &user); err != nil {
		return "", fmt.Errorf("get current user: %w", err)
	}
	if user.Login == "" {
		return "", fmt.Errorf("get current user: empty login")
	}
	return user.Login, nil
}

// StatusCode extracts the HTTP status from a go-gh error, or 0.
func StatusCode(err error) int {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var linkNext = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPage extracts the rel="next" URL from a Link header.
func nextPage(link string) string {
	for _, part := range strings.Split(link, ",") {
		if m := linkNext.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}
