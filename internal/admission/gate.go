package admission

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/brokerproxy/internal/model"
)

// GitHubAPI is the subset of the GitHub REST API the gate needs.
type GitHubAPI interface {
	CancelWorkflowRun(ctx context.Context, owner, repo string, runID int64) error
	ListContributors(ctx context.Context, owner, repo string) ([]string, error)
}

// Config holds the Gate dependencies.
type Config struct {
	Filter Filter
	// CurrentUser is the authenticated login, always allowed under the
	// allowlist policy.
	CurrentUser string
	API         GitHubAPI
	Logger      *slog.Logger
}

// Gate evaluates job offers against the user filter.
type Gate struct {
	api         GitHubAPI
	currentUser string
	logger      *slog.Logger

	mu     sync.RWMutex
	filter Filter

	tracer        trace.Tracer
	decisions     metric.Int64Counter
	cancellations metric.Int64Counter
}

// NewGate builds a Gate. The filter is normalized.
func NewGate(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gate{
		api:         cfg.API,
		currentUser: cfg.CurrentUser,
		logger:      cfg.Logger,
		filter:      cfg.Filter.Normalize(cfg.Logger),
		tracer:      otel.Tracer("brokerproxy/admission"),
	}

	meter := otel.Meter("brokerproxy/admission")
	var err error
	g.decisions, err = meter.Int64Counter(
		"brokerproxy.admission.decisions",
		metric.WithDescription("Total number of admission decisions, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create decisions counter", slog.String("error", err.Error()))
	}
	g.cancellations, err = meter.Int64Counter(
		"brokerproxy.admission.cancellations",
		metric.WithDescription("Total number of upstream workflow run cancellations, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cancellations counter", slog.String("error", err.Error()))
	}
	return g
}

// Filter returns the active filter.
func (g *Gate) Filter() Filter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.filter
}

// SetFilter replaces the filter at runtime.
func (g *Gate) SetFilter(f Filter) {
	f = f.Normalize(g.logger)
	g.mu.Lock()
	g.filter = f
	g.mu.Unlock()
}

// Evaluate decides whether offer may run. A contributor lookup failure
// rejects the offer.
func (g *Gate) Evaluate(ctx context.Context, offer model.JobOffer) Decision {
	ctx, span := g.tracer.Start(ctx, "admission.Evaluate")
	defer span.End()

	filter := g.Filter()
	var contributors []string
	if filter.NeedsContributors() {
		if g.api == nil {
			return g.record(ctx, offer, Decision{Reason: "contributor filter requires GitHub API access"})
		}
		list, err := g.api.ListContributors(ctx, offer.Owner, offer.Repo)
		if err != nil {
			g.logger.Warn("listing contributors failed",
				slog.String("repo", offer.Owner+"/"+offer.Repo),
				slog.String("error", err.Error()),
			)
			return g.record(ctx, offer, Decision{Reason: "contributors could not be verified: " + err.Error()})
		}
		contributors = list
	}

	return g.record(ctx, offer, Decide(filter, g.currentUser, offer.ActorLogin, contributors))
}

func (g *Gate) record(ctx context.Context, offer model.JobOffer, d Decision) Decision {
	result := "rejected"
	if d.Admit {
		result = "admitted"
	}
	if g.decisions != nil {
		g.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	level := slog.LevelInfo
	if d.Admit {
		level = slog.LevelDebug
	}
	g.logger.Log(ctx, level, "job "+result,
		slog.String("target", offer.TargetID),
		slog.String("jobID", offer.JobID),
		slog.String("actor", offer.ActorLogin),
		slog.String("reason", d.Reason),
	)
	return d
}

// Cancel cancels the offer's workflow run upstream. Failures are logged
// and otherwise ignored: the run will time out on GitHub's side.
func (g *Gate) Cancel(ctx context.Context, offer model.JobOffer, reason string) {
	ctx, span := g.tracer.Start(ctx, "admission.Cancel")
	defer span.End()

	logger := g.logger.With(
		slog.String("target", offer.TargetID),
		slog.String("jobID", offer.JobID),
		slog.Int64("workflowRunID", offer.WorkflowRunID),
	)

	if g.api == nil || offer.WorkflowRunID == 0 || offer.Owner == "" || offer.Repo == "" {
		logger.Warn("cannot cancel workflow run upstream", slog.String("reason", reason))
		g.countCancel(ctx, "skipped")
		return
	}

	if err := g.api.CancelWorkflowRun(ctx, offer.Owner, offer.Repo, offer.WorkflowRunID); err != nil {
		logger.Warn("cancelling workflow run failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		g.countCancel(ctx, "failed")
		return
	}
	logger.Info("workflow run cancelled", slog.String("reason", reason))
	g.countCancel(ctx, "cancelled")
}

func (g *Gate) countCancel(ctx context.Context, outcome string) {
	if g.cancellations != nil {
		g.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
