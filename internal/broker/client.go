// Package broker implements the per-target session with GitHub's runner
// broker: client-assertion authentication, session lifecycle, long-poll,
// message acknowledgement and reconnection with backoff.
//
// A Client is driven by Run, which blocks until its context is cancelled.
// Failures never stop the loop; they are reported to the Observer and
// retried with exponential backoff.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/brokerproxy/internal/clock"
	"github.com/terrpan/brokerproxy/internal/model"
)

// Phase is the protocol state of one session client.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseSessionOpen    Phase = "session_open"
	PhasePolling        Phase = "polling"
	PhaseDispatching    Phase = "dispatching"
	PhaseReconnecting   Phase = "reconnecting"
)

// Defaults applied by New.
const (
	DefaultPollTimeout            = 50 * time.Second
	DefaultInitialBackoff         = 2 * time.Second
	DefaultMaxBackoff             = 60 * time.Second
	DefaultMaxConsecutiveFailures = 5

	// pollSlack is added to the server's poll timeout for the client side
	// deadline.
	pollSlack    = 15 * time.Second
	closeTimeout = 5 * time.Second
)

// Observer receives session progress. Calls are made from the Run
// goroutine and must not block.
type Observer interface {
	PhaseChanged(targetID string, phase Phase)
	// Polled is called after every successful poll, with or without a
	// message.
	Polled(targetID string, at time.Time)
	// Failed is called for every session failure. escalated is true once
	// the failure should be surfaced as a persistent target error.
	Failed(targetID string, err error, consecutive int, escalated bool)
}

// OfferHandler is called for every job request. The message is only
// acknowledged when the handler returns nil, meaning the offer was queued
// or rejected.
type OfferHandler func(ctx context.Context, offer model.JobOffer) error

// Backoff configures reconnect delays.
type Backoff struct {
	Initial                time.Duration
	Max                    time.Duration
	MaxConsecutiveFailures int
}

// Config holds the Client dependencies.
type Config struct {
	TargetID   string
	Credential *model.Credential
	// HTTPClient is used for broker and token requests. Defaults to a
	// pooled cleanhttp client without a global timeout.
	HTTPClient *http.Client
	// Tokens defaults to a TokenSource built from Credential.
	Tokens   TokenProvider
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer

	Backoff     Backoff
	PollTimeout time.Duration
	// Jitter maps a backoff ceiling to the actual delay. Defaults to full
	// jitter, a uniform draw from [0, ceiling].
	Jitter func(time.Duration) time.Duration

	RunnerVersion string
	// OwnerName identifies this process to the broker. Defaults to the
	// host name.
	OwnerName string
}

// Client is one target's broker session.
type Client struct {
	targetID    string
	cred        *model.Credential
	http        *http.Client
	tokens      TokenProvider
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer
	pollTimeout time.Duration
	maxFailures int
	jitter      func(time.Duration) time.Duration
	backoff     *backoff.ExponentialBackOff
	version     string
	owner       string

	mu       sync.Mutex
	baseURL  string
	phase    Phase
	failures int

	tracer        trace.Tracer
	polls         metric.Int64Counter
	messages      metric.Int64Counter
	reconnects    metric.Int64Counter
	authRefreshes metric.Int64Counter
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.TargetID == "" {
		return nil, fmt.Errorf("target id is required")
	}
	if err := cfg.Credential.Validate(); err != nil {
		return nil, fmt.Errorf("target %s: %w", cfg.TargetID, err)
	}
	if _, err := url.Parse(cfg.Credential.BrokerURL); err != nil {
		return nil, fmt.Errorf("target %s: invalid broker url: %w", cfg.TargetID, err)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if cfg.Tokens == nil {
		ts, err := NewTokenSource(cfg.Credential, cfg.HTTPClient, cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", cfg.TargetID, err)
		}
		cfg.Tokens = ts
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = DefaultInitialBackoff
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = DefaultMaxBackoff
	}
	if cfg.Backoff.MaxConsecutiveFailures <= 0 {
		cfg.Backoff.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.Jitter == nil {
		cfg.Jitter = fullJitter
	}
	if cfg.OwnerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.OwnerName = host
		} else {
			cfg.OwnerName = "brokerproxy-" + uuid.NewString()[:8]
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Backoff.Initial
	b.MaxInterval = cfg.Backoff.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	c := &Client{
		targetID:    cfg.TargetID,
		cred:        cfg.Credential,
		http:        cfg.HTTPClient,
		tokens:      cfg.Tokens,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(slog.String("target", cfg.TargetID)),
		observer:    cfg.Observer,
		pollTimeout: cfg.PollTimeout,
		maxFailures: cfg.Backoff.MaxConsecutiveFailures,
		jitter:      cfg.Jitter,
		backoff:     b,
		version:     cfg.RunnerVersion,
		owner:       cfg.OwnerName,
		baseURL:     strings.TrimRight(cfg.Credential.BrokerURL, "/"),
		phase:       PhaseDisconnected,
		tracer:      otel.Tracer("brokerproxy/broker"),
	}
	c.initMetrics()
	return c, nil
}

func (c *Client) initMetrics() {
	meter := otel.Meter("brokerproxy/broker")

	var err error
	c.polls, err = meter.Int64Counter(
		"brokerproxy.broker.polls",
		metric.WithDescription("Total number of completed long-polls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create polls counter", slog.String("error", err.Error()))
	}

	c.messages, err = meter.Int64Counter(
		"brokerproxy.broker.messages",
		metric.WithDescription("Total number of broker messages received, by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create messages counter", slog.String("error", err.Error()))
	}

	c.reconnects, err = meter.Int64Counter(
		"brokerproxy.broker.reconnects",
		metric.WithDescription("Total number of session reconnects"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create reconnects counter", slog.String("error", err.Error()))
	}

	c.authRefreshes, err = meter.Int64Counter(
		"brokerproxy.broker.auth.refreshes",
		metric.WithDescription("Total number of forced token refreshes after a 401"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create authRefreshes counter", slog.String("error", err.Error()))
	}
}

// Phase returns the current protocol phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// BaseURL returns the broker URL currently in use. It changes after a
// migration message.
func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// Run authenticates, opens a session and polls until ctx is cancelled.
// It always returns ctx.Err().
func (c *Client) Run(ctx context.Context, handler OfferHandler) error {
	defer c.setPhase(PhaseDisconnected)

	for {
		err := c.runSession(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()

		// An auth error has already survived one forced refresh.
		escalated := IsAuth(err) || failures >= c.maxFailures
		c.observer.Failed(c.targetID, err, failures, escalated)

		level := slog.LevelWarn
		if escalated {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "broker session failed",
			slog.String("error", err.Error()),
			slog.Int("consecutiveFailures", failures),
			slog.Bool("transient", IsTransient(err)),
		)

		c.setPhase(PhaseReconnecting)
		if c.reconnects != nil {
			c.reconnects.Add(ctx, 1)
		}

		delay := c.jitter(c.backoff.NextBackOff())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) runSession(ctx context.Context, handler OfferHandler) error {
	c.setPhase(PhaseAuthenticating)
	if _, err := c.tokens.Token(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	c.setPhase(PhaseSessionOpen)
	sessionID, err := c.createSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer c.closeSession(ctx, sessionID)

	c.logger.Info("broker session opened", slog.String("sessionID", sessionID))

	for {
		c.setPhase(PhasePolling)
		msg, err := c.poll(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		c.pollSucceeded()
		if msg == nil {
			continue
		}

		c.setPhase(PhaseDispatching)
		if err := c.dispatch(ctx, sessionID, msg, handler); err != nil {
			return err
		}
	}
}

// pollSucceeded resets failure tracking once the session is healthy.
func (c *Client) pollSucceeded() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	c.backoff.Reset()
	c.observer.Polled(c.targetID, c.clock.Now())
}

func (c *Client) createSession(ctx context.Context) (string, error) {
	ctx, span := c.tracer.Start(ctx, "broker.createSession")
	defer span.End()

	body := createSessionRequest{
		OwnerName: c.owner,
		Agent: agentInfo{
			ID:            c.cred.AgentID,
			Name:          c.cred.AgentName,
			Version:       c.version,
			OSDescription: runnerOS() + " " + runnerArch(),
		},
		UseFipsEncryption: c.cred.OAuth.RequireFipsCryptography,
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint("session", nil), body)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &StatusError{Op: "create session", StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("broker returned an empty session id")
	}
	return out.SessionID, nil
}

// closeSession is best effort. It runs after ctx may have been cancelled,
// so it uses a detached context with its own deadline.
func (c *Client) closeSession(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	q := url.Values{"sessionId": {sessionID}}
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("session", q), nil)
	if err != nil {
		c.logger.Debug("closing broker session", slog.String("error", err.Error()))
		return
	}
	drain(resp)
	if resp.StatusCode >= 300 {
		c.logger.Debug("closing broker session", slog.Int("status", resp.StatusCode))
	}
}

func (c *Client) poll(ctx context.Context, sessionID string) (*brokerMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout+pollSlack)
	defer cancel()

	q := url.Values{
		"sessionId":     {sessionID},
		"status":        {"Online"},
		"runnerVersion": {c.version},
		"os":            {runnerOS()},
		"architecture":  {runnerArch()},
		"disableUpdate": {"true"},
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("message", q), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if c.polls != nil {
		c.polls.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil, nil
	default:
		return nil, &StatusError{Op: "poll", StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var msg brokerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// An undecodable envelope cannot be acked; drop it and keep
		// polling.
		c.logger.Warn("discarding undecodable broker message", slog.String("error", err.Error()))
		return nil, nil
	}
	return &msg, nil
}

func (c *Client) dispatch(ctx context.Context, sessionID string, msg *brokerMessage, handler OfferHandler) error {
	ctx, span := c.tracer.Start(ctx, "broker.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("broker.message_type", msg.MessageType),
		attribute.Int64("broker.message_id", msg.MessageID),
	)

	if c.messages != nil {
		c.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msg.MessageType)))
	}

	switch msg.MessageType {
	case MessageJobRequest:
		offer, err := msg.jobOffer(c.targetID)
		if err != nil {
			c.discard(&ProtocolError{MessageType: msg.MessageType, MessageID: msg.MessageID, Err: err})
			break
		}
		c.logger.Info("job offered",
			slog.String("jobID", offer.JobID),
			slog.String("jobName", offer.JobName),
			slog.String("actor", offer.ActorLogin),
			slog.Int64("workflowRunID", offer.WorkflowRunID),
		)
		if err := handler(ctx, offer); err != nil {
			return fmt.Errorf("handle job %s: %w", offer.JobID, err)
		}

	case MessageBrokerMigration:
		var body migrationBody
		if err := msg.decodeBody(&body); err != nil || body.BrokerBaseURL == "" {
			c.discard(&ProtocolError{MessageType: msg.MessageType, MessageID: msg.MessageID, Err: err})
			break
		}
		if err := c.ack(ctx, sessionID, msg.MessageID); err != nil {
			return err
		}
		c.mu.Lock()
		c.baseURL = strings.TrimRight(body.BrokerBaseURL, "/")
		c.mu.Unlock()
		c.logger.Info("broker migrated", slog.String("url", body.BrokerBaseURL))
		return nil

	case MessageJobCancellation:
		c.logger.Info("job cancellation received", slog.Int64("messageID", msg.MessageID))

	default:
		c.discard(&ProtocolError{MessageType: msg.MessageType, MessageID: msg.MessageID})
	}

	return c.ack(ctx, sessionID, msg.MessageID)
}

func (c *Client) discard(err *ProtocolError) {
	c.logger.Warn("discarding broker message", slog.String("error", err.Error()))
}

func (c *Client) ack(ctx context.Context, sessionID string, messageID int64) error {
	q := url.Values{
		"sessionId": {sessionID},
		"messageId": {strconv.FormatInt(messageID, 10)},
	}
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("message", q), nil)
	if err != nil {
		return fmt.Errorf("ack message %d: %w", messageID, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return &StatusError{Op: "ack message", StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

// do sends an authenticated request. A 401 invalidates the token and the
// request is retried once with a fresh one; a second 401 is returned to
// the caller as is.
func (c *Client) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			c.tokens.Invalidate()
			if c.authRefreshes != nil {
				c.authRefreshes.Add(ctx, 1)
			}
			c.logger.Debug("token rejected, re-authenticating")
			continue
		}
		return resp, nil
	}
}

func (c *Client) endpoint(path string, q url.Values) string {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()
	u := base + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	changed := c.phase != p
	c.phase = p
	c.mu.Unlock()
	if changed {
		c.observer.PhaseChanged(c.targetID, p)
	}
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(string, Phase)      {}
func (nopObserver) Polled(string, time.Time)        {}
func (nopObserver) Failed(string, error, int, bool) {}
