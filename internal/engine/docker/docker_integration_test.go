//go:build integration

package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"github.com/terrpan/brokerproxy/internal/engine"
)

// DockerEngineSuite runs the engine against the local Docker daemon.
// Build with the integration tag to include it:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc

	// base was built by New, so the suite also covers the image pull.
	base   *Engine
	docker *dockerclient.Client
}

const testImage = "alpine:latest"

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

func (s *DockerEngineSuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e, err := New(ctx, Config{Image: testImage}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err, "a reachable Docker daemon is required")
	s.base = e
	s.docker = e.client
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		_ = s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
}

func (s *DockerEngineSuite) TearDownTest() { s.cancel() }

// newTestEngine shares the suite's client but tracks its own containers.
// Dind is on so the container runs as root, since alpine has no "runner"
// user.
func (s *DockerEngineSuite) newTestEngine(cmd ...string) *Engine {
	return &Engine{
		client:     s.docker,
		image:      testImage,
		cmd:        cmd,
		dind:       true,
		logger:     s.base.logger,
		tracer:     otel.Tracer("test"),
		containers: make(map[string]string),
	}
}

func (s *DockerEngineSuite) containerExists(id string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, id)
	return err == nil
}

func testJob(id string) engine.Job {
	return engine.Job{ID: id, Name: "build", TargetID: "t1", Repository: "octo/app", WorkflowRunID: 7}
}

// ---------------------------------------------------------------------------
// Job lifecycle
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestNew_SkipPull() {
	e, err := New(s.ctx, Config{Image: testImage, SkipPull: true}, s.base.logger)
	require.NoError(s.T(), err)
	defer e.client.Close()
	assert.Equal(s.T(), testImage, e.image)
	assert.Equal(s.T(), []string{DefaultCmd}, e.cmd)
}

func (s *DockerEngineSuite) TestStartWaitDestroy() {
	e := s.newTestEngine("sh", "-c", "exit 3")
	defer e.Shutdown(s.ctx)

	id, err := e.StartWorker(s.ctx, "brokerproxy-test-exit", testJob("j-exit"))
	require.NoError(s.T(), err)

	code, err := e.WaitWorker(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), code)

	require.NoError(s.T(), e.DestroyWorker(s.ctx, id))
	assert.False(s.T(), s.containerExists(id))
	require.NoError(s.T(), e.DestroyWorker(s.ctx, id), "destroy is idempotent")
}

func (s *DockerEngineSuite) TestJobEnvironmentAndLabels() {
	e := s.newTestEngine("sleep", "300")
	defer e.Shutdown(s.ctx)

	id, err := e.StartWorker(s.ctx, "brokerproxy-test-env", testJob("j-env"))
	require.NoError(s.T(), err)

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "j-env", info.Config.Labels[LabelJob])
	assert.Equal(s.T(), "t1", info.Config.Labels[LabelTarget])

	var payload engine.Job
	for _, env := range info.Config.Env {
		if v, ok := strings.CutPrefix(env, JobEnv+"="); ok {
			require.NoError(s.T(), json.Unmarshal([]byte(v), &payload))
		}
	}
	assert.Equal(s.T(), testJob("j-env"), payload)
	assert.Contains(s.T(), info.HostConfig.Binds, "/var/run/docker.sock:/var/run/docker.sock")
}

func (s *DockerEngineSuite) TestMissingImageIsFatal() {
	e := s.newTestEngine("true")
	e.image = "brokerproxy.invalid/does-not-exist:never"

	_, err := e.StartWorker(s.ctx, "brokerproxy-test-missing", testJob("j-missing"))
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, engine.ErrFatal))
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func (s *DockerEngineSuite) TestShutdown_RemovesAllContainers() {
	e := s.newTestEngine("sleep", "300")

	ids := make([]string, 3)
	for i := range 3 {
		id, err := e.StartWorker(s.ctx, fmt.Sprintf("brokerproxy-test-shutdown-%d", i), testJob(fmt.Sprint(i)))
		require.NoError(s.T(), err)
		ids[i] = id
	}

	require.NoError(s.T(), e.Shutdown(s.ctx))
	for _, id := range ids {
		assert.False(s.T(), s.containerExists(id),
			"container %s should be removed after shutdown", id)
	}

	e.mu.Lock()
	assert.Empty(s.T(), e.containers)
	e.mu.Unlock()
}
