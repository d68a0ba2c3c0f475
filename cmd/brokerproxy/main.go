package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/brokerproxy/internal/admission"
	"github.com/terrpan/brokerproxy/internal/broker"
	"github.com/terrpan/brokerproxy/internal/buildinfo"
	"github.com/terrpan/brokerproxy/internal/config"
	"github.com/terrpan/brokerproxy/internal/credential"
	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/orchestrator"
	"github.com/terrpan/brokerproxy/internal/otel"
	"github.com/terrpan/brokerproxy/internal/proxy"
	"github.com/terrpan/brokerproxy/internal/runnerstate"
	"github.com/terrpan/brokerproxy/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerproxy",
	Short: "Run GitHub Actions jobs locally by holding runner broker sessions",
	Long: `brokerproxy impersonates registered self-hosted runners for a set of
repositories and organizations, long-polls the GitHub Actions broker for
job offers, filters them by who triggered the run, and queues admitted
jobs for local worker instances.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	f := rootCmd.Flags()

	// Listener / runner overrides
	f.IntVar(&flagOverrides.Listener.Port, "port", 0, "Local listener port (0 picks a free port)")
	f.IntVar(&flagOverrides.Runner.Parallelism, "parallelism", 0, "Number of local instance slots")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Token, "github-token", "", "GitHub token for cancellations and contributor lookups")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newStatusCmd(), newPauseCmd(), newResumeCmd(), newCredentialCmd())
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Listener.Port != 0 {
		cfg.Listener.Port = flagOverrides.Listener.Port
	}
	if flagOverrides.Runner.Parallelism != 0 {
		cfg.Runner.Parallelism = flagOverrides.Runner.Parallelism
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig reads, overrides and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("parallelism", cfg.Runner.Parallelism),
		slog.Int("targets", len(cfg.Targets)),
		slog.String("filterScope", string(cfg.Filter.Scope)),
	)

	tel, err := otel.SetupOTelSDK(ctx, "brokerproxy", cfg.OTel.SDKConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Credentials and GitHub API
	// ---------------------------------------------------------------
	store, err := cfg.NewCredentialStore()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	var api admission.GitHubAPI
	currentUser := cfg.GitHub.User
	gh, err := cfg.NewGitHubClient(logger.WithGroup("github"))
	switch {
	case err == nil:
		api = gh
		if currentUser == "" {
			currentUser, err = gh.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("resolving authenticated user: %w", err)
			}
		}
	case cfg.Filter.Scope == admission.ScopeEveryone:
		logger.Warn("no GitHub API access, rejected and expired jobs will not be cancelled upstream",
			slog.String("error", err.Error()),
		)
	default:
		return fmt.Errorf("filter scope %q needs GitHub API access: %w", cfg.Filter.Scope, err)
	}

	gate := admission.NewGate(admission.Config{
		Filter:      cfg.Filter,
		CurrentUser: currentUser,
		API:         api,
		Logger:      logger.WithGroup("admission"),
	})

	// ---------------------------------------------------------------
	// 4. Orchestration state
	// ---------------------------------------------------------------
	state := runnerstate.New(runnerstate.Config{
		Parallelism: cfg.Runner.Parallelism,
		Logger:      logger.WithGroup("runnerstate"),
	})
	state.Send(orchestrator.Start{})

	// ---------------------------------------------------------------
	// 5. Broker proxy
	// ---------------------------------------------------------------
	brokerLogger := logger.WithGroup("broker")
	sessions := func(target model.Target, cred *model.Credential, obs broker.Observer) (proxy.Session, error) {
		client, err := broker.New(broker.Config{
			TargetID:      target.ID,
			Credential:    cred,
			Observer:      obs,
			Logger:        brokerLogger.With(slog.String("target", target.ID)),
			Backoff:       cfg.Broker.Backoff(),
			PollTimeout:   cfg.Broker.PollTimeout,
			RunnerVersion: buildinfo.RunnerVersion,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	px, err := proxy.New(proxy.Config{
		Host:           cfg.Listener.Host,
		Port:           cfg.Listener.Port,
		QueueTimeout:   cfg.Runner.QueueTimeout,
		QueueCapacity:  cfg.Runner.QueueCapacity,
		Engine:         cfg.Engine.Type,
		Gate:           gate,
		Sessions:       sessions,
		Events:         state,
		Logger:         logger.WithGroup("proxy"),
		Routes:         state.RegisterRoutes,
		MetricsHandler: tel.MetricsHandler,
	})
	if err != nil {
		return fmt.Errorf("creating broker proxy: %w", err)
	}
	px.SetCanAcceptJobCallback(state.CanAcceptJob)

	unsubscribe := px.Subscribe(func(ev proxy.Event) {
		switch ev.Type {
		case proxy.EventJobReceived:
			logger.Info("job queued",
				slog.String("job_id", ev.Job.JobID),
				slog.String("job_name", ev.Job.JobName),
				slog.String("target", ev.Job.TargetID),
			)
		case proxy.EventError:
			logger.Error("broker proxy error", slog.String("error", ev.Err.Error()))
		}
	})
	defer unsubscribe()

	for _, tc := range cfg.Targets {
		target := tc.Target()
		cred, err := loadCredential(store, tc)
		if err != nil {
			logger.Error("skipping target without credential",
				slog.String("target", target.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := px.AddTarget(target, cred); err != nil {
			return fmt.Errorf("adding target %s: %w", target.ID, err)
		}
	}

	if err := px.Start(); err != nil {
		return fmt.Errorf("starting broker proxy: %w", err)
	}
	logger.Info("broker proxy listening", slog.String("addr", "http://"+px.Addr()))

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := px.Stop(stopCtx); err != nil {
			logger.Error("failed to stop broker proxy", slog.String("error", err.Error()))
		}
		state.Send(orchestrator.Stop{})
		state.Send(orchestrator.ShutdownComplete{})
	}()

	// ---------------------------------------------------------------
	// 6. Built-in worker
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger.WithGroup("engine"))
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	if eng == nil {
		logger.Info("no engine configured, waiting for external workers",
			slog.String("jobs", "http://"+px.Addr()+"/jobs/next"),
		)
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		return nil
	}

	mgr, err := worker.New(worker.Config{
		Parallelism:  cfg.Runner.Parallelism,
		PollInterval: cfg.Runner.PollInterval,
		Engine:       eng,
		Jobs:         px,
		Events:       state,
		Logger:       logger.WithGroup("worker"),
	})
	if err != nil {
		return fmt.Errorf("creating worker manager: %w", err)
	}
	stopRestarts := state.OnStateChange(func(_ orchestrator.State, ev orchestrator.Event) {
		if r, ok := ev.(orchestrator.InstanceRestart); ok {
			mgr.Restart(r.Instance)
		}
	})
	defer stopRestarts()

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	logger.Info("starting worker instances")
	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker manager: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}

// loadCredential returns the stored credential for a target, importing it
// from the target's runner directory on first use.
func loadCredential(store credential.Store, tc config.TargetConfig) (*model.Credential, error) {
	cred, err := store.Load(tc.ID)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, credential.ErrNotFound) || tc.RunnerDir == "" {
		return nil, err
	}
	cred, err = credential.ImportRunnerDir(tc.RunnerDir)
	if err != nil {
		return nil, err
	}
	if err := store.Save(tc.ID, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// localURL is the base URL of the running proxy's listener as configured.
func localURL(cfg *config.Config) (string, error) {
	if cfg.Listener.Port == 0 {
		return "", fmt.Errorf("listener.port is 0 (ephemeral); pass --addr")
	}
	return fmt.Sprintf("http://%s:%d", cfg.Listener.Host, cfg.Listener.Port), nil
}

// checkStatus turns a non-2xx response into an error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
}
