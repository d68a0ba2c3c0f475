// Package worker is the in-process worker manager: a fixed number of
// instance slots that pull admitted jobs from the broker proxy and run
// each one in a fresh engine sandbox.
//
// Slots never touch orchestration state directly; every lifecycle change
// is reported as an orchestrator event.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/brokerproxy/internal/clock"
	"github.com/terrpan/brokerproxy/internal/engine"
	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/orchestrator"
)

// DefaultPollInterval is how often an idle slot asks for work.
const DefaultPollInterval = 2 * time.Second

const destroyTimeout = 30 * time.Second

// JobSource hands out queued jobs. proxy.Service satisfies it.
type JobSource interface {
	GetQueuedJob() (model.QueuedJob, bool)
}

// EventSink receives instance and job events. runnerstate.Service
// satisfies it.
type EventSink interface {
	Send(event orchestrator.Event)
}

// Config holds the Manager dependencies.
type Config struct {
	Parallelism  int
	PollInterval time.Duration
	Engine       engine.Engine
	Jobs         JobSource
	Events       EventSink
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Manager runs the instance slots.
type Manager struct {
	parallelism  int
	pollInterval time.Duration
	engine       engine.Engine
	jobs         JobSource
	events       EventSink
	clock        clock.Clock
	logger       *slog.Logger

	restart map[int]chan struct{}
	busy    atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	jobsCompleted metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job source is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	m := &Manager{
		parallelism:  cfg.Parallelism,
		pollInterval: cfg.PollInterval,
		engine:       cfg.Engine,
		jobs:         cfg.Jobs,
		events:       cfg.Events,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		restart:      make(map[int]chan struct{}, cfg.Parallelism),
		tracer:       otel.Tracer("brokerproxy/worker"),
		meter:        otel.Meter("brokerproxy/worker"),
	}
	for i := 1; i <= cfg.Parallelism; i++ {
		m.restart[i] = make(chan struct{}, 1)
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	m.jobsCompleted, err = m.meter.Int64Counter(
		"brokerproxy.worker.jobs.completed",
		metric.WithDescription("Total number of jobs completed, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	m.jobDuration, err = m.meter.Float64Histogram(
		"brokerproxy.worker.job.duration",
		metric.WithDescription("Time from job start to sandbox exit (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobDuration histogram", slog.String("error", err.Error()))
	}

	_, err = m.meter.Int64ObservableGauge(
		"brokerproxy.worker.instances.busy",
		metric.WithDescription("Current number of instances running a job"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.busy.Load())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create busy gauge", slog.String("error", err.Error()))
	}

	return m, nil
}

// Run starts every slot and blocks until ctx is cancelled and all slots
// have stopped. Sandboxes still tracked by the engine are destroyed
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 1; i <= m.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runSlot(ctx, i)
		}()
	}
	wg.Wait()

	m.logger.Info("shutting down engine")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := m.engine.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}

// Restart brings a slot that stopped on a fatal error back into service.
// It is a no-op for unknown or healthy slots.
func (m *Manager) Restart(instance int) {
	ch, ok := m.restart[instance]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

func (m *Manager) runSlot(ctx context.Context, instance int) {
	logger := m.logger.With(slog.Int("instance", instance))
	m.events.Send(orchestrator.InstanceStarting{Instance: instance})
	m.events.Send(orchestrator.InstanceListening{Instance: instance})
	logger.Debug("instance listening")

	for {
		if ctx.Err() != nil {
			m.events.Send(orchestrator.InstanceStopped{Instance: instance})
			logger.Debug("instance stopped")
			return
		}

		job, ok := m.jobs.GetQueuedJob()
		if !ok {
			select {
			case <-ctx.Done():
			case <-m.clock.After(m.pollInterval):
			}
			continue
		}

		if fatal := m.runJob(ctx, instance, job); fatal {
			logger.Warn("instance out of service until restarted")
			select {
			case <-ctx.Done():
				continue
			case <-m.restart[instance]:
			}
			logger.Info("instance restarted")
			m.events.Send(orchestrator.InstanceStarting{Instance: instance})
		}
		m.events.Send(orchestrator.InstanceListening{Instance: instance})
	}
}

// runJob executes one job in a fresh sandbox and reports its outcome. It
// returns true when the slot hit a fatal engine error.
func (m *Manager) runJob(ctx context.Context, instance int, job model.QueuedJob) (fatal bool) {
	ctx, span := m.tracer.Start(ctx, "worker.runJob",
		trace.WithAttributes(
			attribute.Int("instance", instance),
			attribute.String("job.id", job.JobID),
			attribute.String("job.name", job.JobName),
			attribute.String("target", job.TargetID),
		),
	)
	defer span.End()

	m.busy.Add(1)
	defer m.busy.Add(-1)

	startedAt := m.clock.Now()
	repository := job.Owner
	if job.Repo != "" {
		repository = job.Owner + "/" + job.Repo
	}
	m.events.Send(orchestrator.JobStart{
		Instance: instance,
		Job: orchestrator.JobSummary{
			ID:         job.JobID,
			Name:       job.JobName,
			TargetID:   job.TargetID,
			Repository: repository,
			StartedAt:  startedAt,
		},
	})

	m.logger.Info("job started",
		slog.Int("instance", instance),
		slog.String("job_id", job.JobID),
		slog.String("job_name", job.JobName),
		slog.String("repo", repository),
	)

	name := fmt.Sprintf("brokerproxy-%d-%s", instance, uuid.NewString()[:8])
	id, err := m.engine.StartWorker(ctx, name, engine.Job{
		ID:            job.JobID,
		Name:          job.JobName,
		TargetID:      job.TargetID,
		Repository:    repository,
		Actor:         job.ActorLogin,
		WorkflowRunID: job.WorkflowRunID,
	})
	if err != nil {
		span.RecordError(err)
		m.recordResult(ctx, orchestrator.ResultFailed, startedAt)
		if errors.Is(err, engine.ErrFatal) {
			m.logger.Error("fatal engine error",
				slog.Int("instance", instance),
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			m.events.Send(orchestrator.InstanceFatal{Instance: instance, Error: err.Error()})
			return true
		}
		m.logger.Warn("failed to start sandbox",
			slog.Int("instance", instance),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		m.events.Send(orchestrator.JobComplete{Instance: instance, Result: orchestrator.ResultFailed})
		m.events.Send(orchestrator.InstanceError{Instance: instance, Error: err.Error()})
		return false
	}
	defer m.destroy(ctx, id)

	exitCode, err := m.engine.WaitWorker(ctx, id)
	result := orchestrator.ResultSucceeded
	switch {
	case ctx.Err() != nil:
		result = orchestrator.ResultCancelled
	case err != nil:
		span.RecordError(err)
		m.logger.Warn("sandbox wait failed",
			slog.Int("instance", instance),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		result = orchestrator.ResultFailed
	case exitCode != 0:
		result = orchestrator.ResultFailed
	}
	span.SetAttributes(
		attribute.String("job.result", string(result)),
		attribute.Int64("job.exit_code", exitCode),
	)

	m.recordResult(ctx, result, startedAt)
	m.events.Send(orchestrator.JobComplete{Instance: instance, Result: result})
	m.logger.Info("job completed",
		slog.Int("instance", instance),
		slog.String("job_id", job.JobID),
		slog.String("result", string(result)),
		slog.Int64("exit_code", exitCode),
	)
	return false
}

func (m *Manager) destroy(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := m.engine.DestroyWorker(ctx, id); err != nil {
		m.logger.Error("failed to destroy sandbox",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) recordResult(ctx context.Context, result orchestrator.JobResult, startedAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	if m.jobsCompleted != nil {
		m.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, m.clock.Now().Sub(startedAt).Seconds())
	}
}
