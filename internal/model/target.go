// Package model holds the data types shared between the broker session
// clients, the admission gate, the proxy service and its callers.
package model

import (
	"fmt"
	"time"
)

// TargetKind distinguishes repository-scoped from organisation-scoped
// runner registrations.
type TargetKind string

const (
	TargetKindRepo TargetKind = "repo"
	TargetKindOrg  TargetKind = "org"
)

// Target is one repository or organisation that local jobs are served for.
type Target struct {
	ID          string     `yaml:"id" json:"id"`
	Kind        TargetKind `yaml:"kind" json:"kind"`
	Owner       string     `yaml:"owner" json:"owner"`
	Repo        string     `yaml:"repo,omitempty" json:"repo,omitempty"`
	DisplayName string     `yaml:"name,omitempty" json:"displayName,omitempty"`
	Enabled     bool       `yaml:"enabled" json:"enabled"`
	CreatedAt   time.Time  `yaml:"created_at,omitempty" json:"createdAt"`
}

// Name returns the display name, falling back to owner or owner/repo.
func (t Target) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	if t.Kind == TargetKindRepo && t.Repo != "" {
		return t.Owner + "/" + t.Repo
	}
	return t.Owner
}

// Validate checks that the target is internally consistent.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target id is required")
	}
	if t.Owner == "" {
		return fmt.Errorf("target %s: owner is required", t.ID)
	}
	switch t.Kind {
	case TargetKindRepo:
		if t.Repo == "" {
			return fmt.Errorf("target %s: repo is required for kind %q", t.ID, t.Kind)
		}
	case TargetKindOrg:
	default:
		return fmt.Errorf("target %s: kind %q is not supported (supported: repo, org)", t.ID, t.Kind)
	}
	return nil
}

// JobOffer is a job assignment received from the broker for one target.
type JobOffer struct {
	TargetID      string
	MessageID     int64
	JobID         string
	JobName       string
	ActorLogin    string
	WorkflowRunID int64
	// Owner and Repo identify the repository the workflow run belongs
	// to. For organisation targets this differs per offer.
	Owner string
	Repo  string
}

// QueuedJob is an admitted job offer waiting to be picked up by a worker.
type QueuedJob struct {
	JobID         string    `json:"jobId"`
	TargetID      string    `json:"targetId"`
	JobName       string    `json:"jobName,omitempty"`
	ActorLogin    string    `json:"actorLogin"`
	WorkflowRunID int64     `json:"workflowRunId"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Offer reconstructs the offer a queued job was admitted from.
func (j QueuedJob) Offer() JobOffer {
	return JobOffer{
		TargetID:      j.TargetID,
		JobID:         j.JobID,
		JobName:       j.JobName,
		ActorLogin:    j.ActorLogin,
		WorkflowRunID: j.WorkflowRunID,
		Owner:         j.Owner,
		Repo:          j.Repo,
	}
}

// TargetSessionState is the externally visible health of one target's
// broker session.
type TargetSessionState struct {
	TargetID            string     `json:"targetId"`
	Name                string     `json:"name"`
	Enabled             bool       `json:"enabled"`
	Phase               string     `json:"phase"`
	SessionActive       bool       `json:"sessionActive"`
	LastPoll            *time.Time `json:"lastPoll,omitempty"`
	Error               string     `json:"error,omitempty"`
	JobsAssigned        int        `json:"jobsAssigned"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}
