// Package engine defines the abstraction for sandboxes that execute the
// jobs pulled from the broker proxy. Each backend implements the Engine
// interface so the worker manager stays backend-agnostic.
package engine

import (
	"context"
	"errors"
)

// ErrFatal marks a start failure that retrying cannot fix, such as a
// missing image. The worker manager takes the instance out of service
// until an operator restarts it.
var ErrFatal = errors.New("fatal engine error")

// Job describes the work a sandbox runs.
type Job struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TargetID      string `json:"targetId"`
	Repository    string `json:"repository"`
	Actor         string `json:"actor"`
	WorkflowRunID int64  `json:"workflowRunId"`
}

// Engine is the contract every sandbox backend must satisfy.
//
// Sandboxes are strictly single-use: each one runs exactly one job and is
// then destroyed. The lifecycle is:
//
//	StartWorker → WaitWorker → DestroyWorker
//
// The returned id is opaque to callers; for Docker it is the container
// ID.
type Engine interface {
	// StartWorker creates and starts a sandbox named name for job.
	// Errors wrapping ErrFatal are not retried.
	StartWorker(ctx context.Context, name string, job Job) (id string, err error)

	// WaitWorker blocks until the sandbox exits and returns its exit
	// code.
	WaitWorker(ctx context.Context, id string) (exitCode int64, err error)

	// DestroyWorker permanently removes the sandbox. It must be
	// idempotent.
	DestroyWorker(ctx context.Context, id string) error

	// Shutdown destroys every sandbox this engine still tracks. It is
	// called once during process termination.
	Shutdown(ctx context.Context) error
}
