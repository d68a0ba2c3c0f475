// Package runnerstate holds the single orchestration state machine
// instance and exposes it to the rest of the process: a serialized Send,
// an immutable Snapshot, named selectors and change subscriptions.
package runnerstate

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/terrpan/brokerproxy/internal/clock"
	"github.com/terrpan/brokerproxy/internal/orchestrator"
)

// Listener is notified after every processed event with the new state
// and the event that produced it.
type Listener func(state orchestrator.State, event orchestrator.Event)

// Config holds the Service dependencies.
type Config struct {
	// Parallelism is the number of local instance slots. CanAcceptJob
	// compares the listening instances against the busy set.
	Parallelism int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Service serializes events into the reducer. Events sent while another
// goroutine is processing are appended to the mailbox and applied, in
// arrival order, by that goroutine before it returns.
type Service struct {
	parallelism int
	clock       clock.Clock
	logger      *slog.Logger

	mu         sync.Mutex
	state      orchestrator.State
	mailbox    []orchestrator.Event
	processing bool
	listeners  map[int]Listener
	nextID     int
}

// New creates a Service in the idle state.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Service{
		parallelism: cfg.Parallelism,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		state:       orchestrator.Initial(),
		listeners:   make(map[int]Listener),
	}
}

// Send applies an event. A Start without a timestamp is stamped with the
// service clock so the reducer stays pure.
func (s *Service) Send(event orchestrator.Event) {
	event = s.stamp(event)

	s.mu.Lock()
	s.mailbox = append(s.mailbox, event)
	if s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = true

	for len(s.mailbox) > 0 {
		next := s.mailbox[0]
		s.mailbox = s.mailbox[1:]

		prev := s.state
		s.state = orchestrator.Reduce(prev, next)
		state := s.state
		listeners := s.sortedListeners()
		s.mu.Unlock()

		if prev.Phase != state.Phase || prev.Activity != state.Activity {
			s.logger.Debug("runner state transition",
				slog.String("event", string(next.Type())),
				slog.String("from", describe(prev)),
				slog.String("to", describe(state)),
			)
		}
		for _, l := range listeners {
			s.notify(l, state, next)
		}

		s.mu.Lock()
	}

	s.processing = false
	s.mu.Unlock()
}

// Snapshot returns the current state. The returned maps are shared and
// must not be modified.
func (s *Service) Snapshot() orchestrator.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a listener and returns a function that removes
// it.
func (s *Service) OnStateChange(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) sortedListeners() []Listener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

// notify calls one listener, isolating the rest from its panics.
func (s *Service) notify(l Listener, state orchestrator.State, event orchestrator.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked",
				slog.String("event", string(event.Type())),
				slog.Any("panic", r),
			)
		}
	}()
	l(state, event)
}

func (s *Service) stamp(event orchestrator.Event) orchestrator.Event {
	if start, ok := event.(orchestrator.Start); ok && start.At.IsZero() {
		start.At = s.clock.Now()
		return start
	}
	if d, ok := event.(orchestrator.JobDispatched); ok && d.At.IsZero() {
		d.At = s.clock.Now()
		return d
	}
	if active, ok := event.(orchestrator.TargetSessionActive); ok && active.At.IsZero() {
		active.At = s.clock.Now()
		return active
	}
	return event
}

func describe(st orchestrator.State) string {
	if st.Activity != orchestrator.ActivityNone {
		return string(st.Phase) + "." + string(st.Activity)
	}
	return string(st.Phase)
}

// Uptime returns how long the runner has been started, or zero.
func (s *Service) Uptime() time.Duration {
	st := s.Snapshot()
	if st.StartedAt == nil {
		return 0
	}
	return s.clock.Now().Sub(*st.StartedAt)
}
