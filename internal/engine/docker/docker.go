// Package docker implements the engine.Engine interface by running each
// job in its own Docker container.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/brokerproxy/internal/engine"
)

// Defaults for Config.
const (
	DefaultImage = "ghcr.io/actions/actions-runner:latest"
	DefaultCmd   = "/home/runner/run.sh"
)

// Container labels set on every job container.
const (
	LabelJob    = "brokerproxy.job"
	LabelTarget = "brokerproxy.target"
)

// JobEnv is the environment variable carrying the JSON-encoded job.
const JobEnv = "BROKERPROXY_JOB"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image jobs run in. Default: DefaultImage.
	Image string

	// Cmd overrides the image command. Default: DefaultCmd.
	Cmd []string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each job container.
	//
	// Security note: the socket gives the job full access to the host
	// Docker daemon. Only enable this for trusted workflows.
	Dind bool

	// SkipPull uses a locally present image without contacting the
	// registry.
	SkipPull bool
}

// Engine manages job sandboxes as Docker containers.
type Engine struct {
	client *dockerclient.Client
	image  string
	cmd    []string
	dind   bool
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	containers map[string]string // name -> containerID
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New connects to the Docker daemon from the environment and makes sure
// the job image is present, pulling it unless cfg.SkipPull is set.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{DefaultCmd}
	}

	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := &Engine{
		client:     cli,
		image:      cfg.Image,
		cmd:        cfg.Cmd,
		dind:       cfg.Dind,
		logger:     logger,
		tracer:     otel.Tracer("brokerproxy/engine/docker"),
		containers: make(map[string]string),
	}
	if cfg.SkipPull {
		return e, nil
	}
	if err := e.pull(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return e, nil
}

// pull downloads the job image. The progress stream must be drained for
// the pull to complete.
func (e *Engine) pull(ctx context.Context) error {
	e.logger.Info("pulling job image", slog.String("image", e.image))
	rc, err := e.client.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", e.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", e.image, err)
	}
	e.logger.Info("job image ready", slog.String("image", e.image))
	return nil
}

// jobEnv builds the container environment for job.
func (e *Engine) jobEnv(job engine.Job) ([]string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	env := []string{
		JobEnv + "=" + string(payload),
		"BROKERPROXY_JOB_ID=" + job.ID,
		"BROKERPROXY_TARGET=" + job.TargetID,
		"BROKERPROXY_REPOSITORY=" + job.Repository,
		"BROKERPROXY_WORKFLOW_RUN_ID=" + strconv.FormatInt(job.WorkflowRunID, 10),
	}
	if e.dind {
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
	}
	return env, nil
}

// StartWorker creates and starts a container that runs job. A missing
// image is reported as engine.ErrFatal.
func (e *Engine) StartWorker(ctx context.Context, name string, job engine.Job) (string, error) {
	ctx, span := e.tracer.Start(ctx, "docker.StartWorker",
		trace.WithAttributes(
			attribute.String("container.name", name),
			attribute.String("job.id", job.ID),
		),
	)
	defer span.End()

	env, err := e.jobEnv(job)
	if err != nil {
		return "", err
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	user := "runner"
	var hostCfg *container.HostConfig
	if e.dind {
		user = "root"
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.image,
			User:  user,
			Cmd:   e.cmd,
			Env:   env,
			Labels: map[string]string{
				LabelJob:    job.ID,
				LabelTarget: job.TargetID,
			},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		span.RecordError(err)
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("container create %s: %w: %w", name, engine.ErrFatal, err)
		}
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		span.RecordError(err)
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	e.mu.Lock()
	e.containers[name] = resp.ID
	e.mu.Unlock()

	e.logger.Info("job container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
		slog.String("job_id", job.ID),
	)

	return resp.ID, nil
}

// WaitWorker blocks until the container stops and returns its exit code.
func (e *Engine) WaitWorker(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("container wait %s: %w", id, err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("container wait %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// DestroyWorker force-removes the container identified by id. Removing a
// container that is already gone is not an error.
func (e *Engine) DestroyWorker(ctx context.Context, id string) error {
	e.logger.Info("destroying job container", slog.String("containerID", id))

	err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	e.untrack(id)
	return nil
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cid := range e.containers {
		if cid == id {
			delete(e.containers, name)
			return
		}
	}
}

// Shutdown force-removes every container this engine still tracks and
// returns the joined removal errors.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	tracked := e.containers
	e.containers = make(map[string]string)
	e.mu.Unlock()

	var errs []error
	for name, id := range tracked {
		e.logger.Info("removing job container on shutdown",
			slog.String("name", name),
			slog.String("containerID", id),
		)
		err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("container remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
