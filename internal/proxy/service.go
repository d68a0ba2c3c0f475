// Package proxy is the broker proxy service: it owns the registered
// targets, runs one broker session per enabled target, admits job offers
// into the local queue and serves the local HTTP listener that workers
// pull jobs from.
//
// Orchestration state is never mutated here directly. Session health and
// job assignment are reported to an EventSink (the runner state service),
// and presentation layers observe the proxy through Subscribe.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/brokerproxy/internal/admission"
	"github.com/terrpan/brokerproxy/internal/broker"
	"github.com/terrpan/brokerproxy/internal/clock"
	"github.com/terrpan/brokerproxy/internal/jobqueue"
	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/orchestrator"
)

// EventType names a proxy event.
type EventType string

const (
	// EventStatusUpdate is emitted whenever a target session or the local
	// queue changes.
	EventStatusUpdate EventType = "status-update"
	// EventJobReceived is emitted when a job is admitted and queued.
	EventJobReceived EventType = "job-received"
	// EventError is emitted for service-level failures, such as the
	// listener dying after start. The service stops itself afterwards.
	EventError EventType = "error"
)

// Event is delivered to subscribers.
type Event struct {
	Type   EventType
	Status []model.TargetSessionState
	Job    *model.QueuedJob
	Err    error
}

// Subscriber receives proxy events. It is called synchronously and must
// not block.
type Subscriber func(Event)

// ErrSessionClosed is returned to the broker session when an offer
// arrives after its target was removed or the proxy stopped. The offer is
// left unacknowledged so the broker redelivers it.
var ErrSessionClosed = errors.New("target session closed")

// EventSink receives orchestration events. runnerstate.Service satisfies
// it.
type EventSink interface {
	Send(event orchestrator.Event)
}

// Session is one target's broker session. broker.Client satisfies it.
type Session interface {
	Run(ctx context.Context, handler broker.OfferHandler) error
}

// SessionFactory builds the session for a target. obs must be wired into
// the session so the proxy can track its health.
type SessionFactory func(target model.Target, cred *model.Credential, obs broker.Observer) (Session, error)

// Gate decides whether an offer may run locally and cancels rejected or
// expired work upstream. admission.Gate satisfies it.
type Gate interface {
	Evaluate(ctx context.Context, offer model.JobOffer) admission.Decision
	Cancel(ctx context.Context, offer model.JobOffer, reason string)
}

const (
	// DefaultQueueTimeout is how long an admitted job may wait for a
	// worker before it is cancelled upstream.
	DefaultQueueTimeout = 10 * time.Minute

	sweepInterval     = 30 * time.Second
	dispatchRetention = time.Hour
	cancelTimeout     = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config holds the Service dependencies.
type Config struct {
	// Host and Port of the local listener. Port 0 binds an ephemeral port.
	Host string
	Port int

	QueueTimeout  time.Duration
	QueueCapacity int

	// Engine is reported by /healthz.
	Engine string

	Gate     Gate
	Sessions SessionFactory
	Events   EventSink
	Clock    clock.Clock
	Logger   *slog.Logger

	// Routes registers additional handlers on the local listener.
	Routes func(mux *http.ServeMux)
	// MetricsHandler, when set, is served on /metrics.
	MetricsHandler http.Handler
}

// targetEntry is the proxy's record of one registered target. active is
// the observer of the current session, nil while no session runs;
// callbacks from any other observer are stale and ignored.
type targetEntry struct {
	target model.Target
	cred   *model.Credential
	state  model.TargetSessionState
	active *sessionObserver
	cancel context.CancelFunc
}

// Service is the broker proxy. It is safe for concurrent use.
type Service struct {
	host         string
	port         int
	queueTimeout time.Duration
	engine       string
	gate         Gate
	sessions     SessionFactory
	events       EventSink
	clock        clock.Clock
	logger       *slog.Logger
	extraRoutes  func(mux *http.ServeMux)
	metrics      http.Handler

	queue *jobqueue.Queue

	mu        sync.Mutex
	targets   map[string]*targetEntry
	running   bool
	listener  net.Listener
	server    *http.Server
	runCancel context.CancelFunc
	canAccept func() bool
	wg        sync.WaitGroup
	// stopped is non-nil while a Stop is tearing down the previous run
	// and is closed when it finishes.
	stopped   chan struct{}

	dispatchMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSub     int

	// OpenTelemetry instrumentation
	tracer  trace.Tracer
	meter   metric.Meter
	offers  metric.Int64Counter
	expired metric.Int64Counter
}

// New creates a stopped Service.
func New(cfg Config) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Gate == nil {
		cfg.Gate = admitAll{}
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}

	s := &Service{
		host:         cfg.Host,
		port:         cfg.Port,
		queueTimeout: cfg.QueueTimeout,
		engine:       cfg.Engine,
		gate:         cfg.Gate,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		extraRoutes:  cfg.Routes,
		metrics:      cfg.MetricsHandler,
		queue:        jobqueue.New(cfg.QueueCapacity),
		targets:      make(map[string]*targetEntry),
		subscribers:  make(map[int]Subscriber),
		tracer:       otel.Tracer("brokerproxy/proxy"),
		meter:        otel.Meter("brokerproxy/proxy"),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.offers, err = s.meter.Int64Counter(
		"brokerproxy.proxy.offers",
		metric.WithDescription("Job offers received from the broker, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create offers counter", slog.String("error", err.Error()))
	}

	s.expired, err = s.meter.Int64Counter(
		"brokerproxy.proxy.jobs.expired",
		metric.WithDescription("Queued jobs cancelled after waiting too long for a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create expired counter", slog.String("error", err.Error()))
	}

	_, err = s.meter.Int64ObservableGauge(
		"brokerproxy.proxy.queue.depth",
		metric.WithDescription("Current number of queued jobs"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.queue.Len()))
			return nil
		}),
	)
	if err != nil {
		s.logger.Warn("failed to create queue depth gauge", slog.String("error", err.Error()))
	}
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

// AddTarget registers a target. Adding an id that is already registered
// is a no-op. When the service is running and the target is enabled its
// session starts immediately.
func (s *Service) AddTarget(target model.Target, cred *model.Credential) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("target %s: credential is required", target.ID)
	}
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("target %s: %w", target.ID, err)
	}

	s.mu.Lock()
	if _, ok := s.targets[target.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	entry := &targetEntry{
		target: target,
		cred:   cred,
		state:  initialState(target),
	}
	s.targets[target.ID] = entry

	var startErr error
	if s.running && target.Enabled {
		startErr = s.startSessionLocked(entry)
	}
	s.mu.Unlock()

	s.logger.Info("target added",
		slog.String("target", target.ID),
		slog.String("name", target.Name()),
		slog.Bool("enabled", target.Enabled),
	)
	if startErr != nil {
		s.events.Send(orchestrator.TargetSessionError{TargetID: target.ID, Error: startErr.Error()})
	}
	s.emitStatus()
	return nil
}

// RemoveTarget unregisters a target, aborting its in-flight poll. Jobs
// still queued for the target are dropped and cancelled upstream.
// Removing an unknown id is a no-op.
func (s *Service) RemoveTarget(targetID string) {
	s.mu.Lock()
	entry, ok := s.targets[targetID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.targets, targetID)
	s.stopSessionLocked(entry)
	dropped := s.queue.RemoveTarget(targetID)
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Info("dropping queued jobs for removed target",
			slog.String("target", targetID),
			slog.Int("jobs", len(dropped)),
		)
		go s.cancelUpstream(dropped, "target removed")
	}

	s.logger.Info("target removed", slog.String("target", targetID))
	s.events.Send(orchestrator.TargetSessionClosed{TargetID: targetID, Removed: true})
	s.emitStatus()
}

// startSessionLocked builds and launches the session for entry. s.mu must
// be held and the service must be running.
func (s *Service) startSessionLocked(entry *targetEntry) error {
	obs := &sessionObserver{s: s, entry: entry}
	sess, err := s.sessions(entry.target, entry.cred, obs)
	if err != nil {
		entry.state.Error = err.Error()
		entry.state.SessionActive = false
		s.logger.Error("failed to create broker session",
			slog.String("target", entry.target.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry.active = obs
	entry.cancel = cancel
	entry.state.Error = ""

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sess.Run(ctx, func(ctx context.Context, offer model.JobOffer) error {
			return s.handleOffer(ctx, obs, offer)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("broker session ended",
				slog.String("target", entry.target.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// stopSessionLocked cancels entry's session, if any. s.mu must be held.
func (s *Service) stopSessionLocked(entry *targetEntry) {
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.cancel = nil
	entry.active = nil
}

func initialState(target model.Target) model.TargetSessionState {
	return model.TargetSessionState{
		TargetID: target.ID,
		Name:     target.Name(),
		Enabled:  target.Enabled,
		Phase:    string(broker.PhaseDisconnected),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the local listener and starts a session for every enabled
// target. Calling Start on a running service is a no-op, and a Start
// during Stop waits for the stop to finish. A bind failure is returned and
// leaves the service stopped.
func (s *Service) Start() error {
	s.mu.Lock()
	for s.stopped != nil {
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("binding local listener: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.running = true
	s.listener = ln
	s.server = server
	s.runCancel = cancel

	failed := map[string]error{}
	for _, id := range s.sortedIDsLocked() {
		entry := s.targets[id]
		if !entry.target.Enabled {
			continue
		}
		if err := s.startSessionLocked(entry); err != nil {
			failed[id] = err
		}
	}

	s.wg.Add(2)
	go s.serve(server, ln)
	go s.sweep(runCtx)
	s.mu.Unlock()

	s.logger.Info("broker proxy started",
		slog.String("addr", ln.Addr().String()),
		slog.Int("targets", len(s.GetStatus())),
	)
	for id, err := range failed {
		s.events.Send(orchestrator.TargetSessionError{TargetID: id, Error: err.Error()})
	}
	s.emitStatus()
	return nil
}

// Stop closes the listener and every session, and clears the local
// queue. Calling Stop on a stopped service is a no-op.
//
// A concurrent Stop waits for the first one, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		stopped := s.stopped
		s.mu.Unlock()
		if stopped == nil {
			return nil
		}
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	stopped := make(chan struct{})
	s.stopped = stopped
	defer func() {
		s.mu.Lock()
		s.stopped = nil
		s.mu.Unlock()
		close(stopped)
	}()
	s.running = false
	s.runCancel()
	server := s.server
	s.server = nil
	s.listener = nil

	ids := s.sortedIDsLocked()
	for _, id := range ids {
		entry := s.targets[id]
		s.stopSessionLocked(entry)
		entry.state = initialState(entry.target)
	}
	s.mu.Unlock()

	err := server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	s.queue.Clear()
	for _, id := range ids {
		s.events.Send(orchestrator.TargetSessionClosed{TargetID: id})
	}
	s.logger.Info("broker proxy stopped")
	s.emitStatus()
	return err
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listener address, or "" when stopped.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) serve(server *http.Server, ln net.Listener) {
	defer s.wg.Done()
	err := server.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	s.logger.Error("local listener failed", slog.String("error", err.Error()))
	s.emit(Event{Type: EventError, Err: fmt.Errorf("local listener: %w", err)})

	// Stop waits for this goroutine, so it runs detached.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		_ = s.Stop(ctx)
	}()
}

// ---------------------------------------------------------------------------
// Status and subscriptions
// ---------------------------------------------------------------------------

// GetStatus returns the session state of every registered target, ordered
// by target id.
func (s *Service) GetStatus() []model.TargetSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TargetSessionState, 0, len(s.targets))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.targets[id].state)
	}
	return out
}

// Subscribe registers fn for proxy events and returns a function that
// removes it.
func (s *Service) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Service) emit(ev Event) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		s.deliver(fn, ev)
	}
}

func (s *Service) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("proxy subscriber panicked",
				slog.String("event", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	fn(ev)
}

func (s *Service) emitStatus() {
	s.emit(Event{Type: EventStatusUpdate, Status: s.GetStatus()})
}

func (s *Service) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Local queue
// ---------------------------------------------------------------------------

// SetCanAcceptJobCallback sets the capacity predicate consulted every
// time a worker asks for a job.
func (s *Service) SetCanAcceptJobCallback(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canAccept = fn
}

// GetQueuedJob hands the oldest queued job to a worker. It returns false
// when the service is stopped, there is no local capacity or the queue is
// empty.
//
// Each dispatch is reported as JobDispatched before the next capacity
// check, so the job holds a claim on an instance until the worker reports
// JobStart.
func (s *Service) GetQueuedJob() (model.QueuedJob, bool) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	running, canAccept := s.running, s.canAccept
	s.mu.Unlock()

	if !running {
		return model.QueuedJob{}, false
	}
	if canAccept != nil && !canAccept() {
		return model.QueuedJob{}, false
	}
	now := s.clock.Now()
	job, ok := s.queue.Dequeue(now)
	if !ok {
		return model.QueuedJob{}, false
	}
	s.events.Send(orchestrator.JobDispatched{JobID: job.JobID, At: now})

	s.logger.Info("job dispatched",
		slog.String("job_id", job.JobID),
		slog.String("target", job.TargetID),
		slog.Duration("waited", s.clock.Now().Sub(job.EnqueuedAt)),
	)
	s.emitStatus()
	return job, true
}

// HasQueuedJobs reports whether any job is waiting for a worker.
func (s *Service) HasQueuedJobs() bool {
	return s.queue.Len() > 0
}

// QueuedJobs returns the number of jobs waiting for a worker.
func (s *Service) QueuedJobs() int {
	return s.queue.Len()
}

// handleOffer runs the admission gate for an offer and queues admitted
// jobs. A nil return lets the session acknowledge the message.
func (s *Service) handleOffer(ctx context.Context, obs *sessionObserver, offer model.JobOffer) error {
	target := obs.entry.target
	ctx, span := s.tracer.Start(ctx, "proxy.handleOffer",
		trace.WithAttributes(
			attribute.String("target", target.ID),
			attribute.String("job.id", offer.JobID),
			attribute.String("actor", offer.ActorLogin),
		),
	)
	defer span.End()

	if offer.Owner == "" {
		offer.Owner = target.Owner
	}
	if offer.Repo == "" && target.Kind == model.TargetKindRepo {
		offer.Repo = target.Repo
	}

	// The gate logs its own decisions.
	decision := s.gate.Evaluate(ctx, offer)
	if !decision.Admit {
		s.gate.Cancel(ctx, offer, decision.Reason)
		s.countOffer(ctx, "rejected")
		return nil
	}

	job := model.QueuedJob{
		JobID:         offer.JobID,
		TargetID:      target.ID,
		JobName:       offer.JobName,
		ActorLogin:    offer.ActorLogin,
		WorkflowRunID: offer.WorkflowRunID,
		Owner:         offer.Owner,
		Repo:          offer.Repo,
		EnqueuedAt:    s.clock.Now(),
	}
	added, err := s.enqueueForSession(obs, job)
	switch {
	case errors.Is(err, ErrSessionClosed):
		return err
	case err != nil:
		s.countOffer(ctx, "deferred")
		span.RecordError(err)
		return fmt.Errorf("queueing job %s: %w", job.JobID, err)
	case !added:
		s.logger.Debug("duplicate job offer ignored",
			slog.String("target", target.ID),
			slog.String("job_id", job.JobID),
		)
		return nil
	}

	s.logger.Info("job queued",
		slog.String("target", target.ID),
		slog.String("job_id", job.JobID),
		slog.String("job_name", job.JobName),
		slog.String("actor", job.ActorLogin),
	)
	s.countOffer(ctx, "admitted")
	s.events.Send(orchestrator.TargetSessionActive{TargetID: target.ID, At: job.EnqueuedAt, JobAssigned: true})
	s.emit(Event{Type: EventJobReceived, Job: &job})
	s.emitStatus()
	return nil
}

func (s *Service) countOffer(ctx context.Context, outcome string) {
	if s.offers != nil {
		s.offers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// cancelUpstream cancels the workflow runs of jobs dropped from the queue.
func (s *Service) cancelUpstream(jobs []model.QueuedJob, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	for _, job := range jobs {
		s.gate.Cancel(ctx, job.Offer(), reason)
	}
}

// ---------------------------------------------------------------------------
// Session observer
// ---------------------------------------------------------------------------

// sessionObserver adapts broker.Observer callbacks for one session to the
// target's state record.
type sessionObserver struct {
	s     *Service
	entry *targetEntry
}

var _ broker.Observer = (*sessionObserver)(nil)

func (o *sessionObserver) PhaseChanged(_ string, phase broker.Phase) {
	if o.s.updateSession(o, func(st *model.TargetSessionState) { st.Phase = string(phase) }) {
		o.s.emitStatus()
	}
}

func (o *sessionObserver) Polled(_ string, at time.Time) {
	ok := o.s.updateSession(o, func(st *model.TargetSessionState) {
		st.SessionActive = true
		st.LastPoll = &at
		st.Error = ""
		st.ConsecutiveFailures = 0
	})
	if !ok {
		return
	}
	o.s.events.Send(orchestrator.TargetSessionActive{TargetID: o.entry.target.ID, At: at})
	o.s.emitStatus()
}

func (o *sessionObserver) Failed(_ string, err error, consecutive int, escalated bool) {
	ok := o.s.updateSession(o, func(st *model.TargetSessionState) {
		st.ConsecutiveFailures = consecutive
		if escalated {
			st.Error = err.Error()
			st.SessionActive = false
		}
	})
	if !ok {
		return
	}
	if escalated {
		o.s.events.Send(orchestrator.TargetSessionError{TargetID: o.entry.target.ID, Error: err.Error()})
	}
	o.s.emitStatus()
}

// enqueueForSession queues job on behalf of obs's session and counts it
// against the target. Nothing is queued when obs no longer owns the
// target; the offer then fails with ErrSessionClosed and stays
// unacknowledged.
func (s *Service) enqueueForSession(obs *sessionObserver, job model.QueuedJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs.entry.active != obs {
		return false, ErrSessionClosed
	}
	added, err := s.queue.Enqueue(job)
	if added {
		obs.entry.state.JobsAssigned++
	}
	return added, err
}

// updateSession applies fn to the target state if obs still belongs to
// the target's current session.
func (s *Service) updateSession(obs *sessionObserver, fn func(*model.TargetSessionState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs.entry.active != obs {
		return false
	}
	fn(&obs.entry.state)
	return true
}

type admitAll struct{}

func (admitAll) Evaluate(context.Context, model.JobOffer) admission.Decision {
	return admission.Decision{Admit: true, Reason: "no admission gate configured"}
}

func (admitAll) Cancel(context.Context, model.JobOffer, string) {}

type nopSink struct{}

func (nopSink) Send(orchestrator.Event) {}
