// Package orchestrator is the runner orchestration state machine: a pure,
// synchronous reducer over lifecycle events. It performs no I/O and owns
// no timers, so any sequence of events can be replayed in a test and the
// resulting State asserted directly.
//
// Top-level phases:
//
//	idle → starting → running → shuttingDown → idle
//	         ↓            ↑
//	       error ─(START)─┘ (via starting)
//
// While running, the Activity substate is derived from the busy set and
// the pause overlay: paused wins over busy, busy wins over listening.
package orchestrator

import (
	"sort"
	"time"
)

// Phase is the top-level state of the runner subsystem.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseShuttingDown Phase = "shuttingDown"
	PhaseError        Phase = "error"
)

// Activity is the substate of PhaseRunning. It is empty in every other
// phase.
type Activity string

const (
	ActivityNone      Activity = ""
	ActivityListening Activity = "listening"
	ActivityBusy      Activity = "busy"
	ActivityPaused    Activity = "paused"
)

// ClaimTimeout bounds how long a dispatched job may hold an instance
// before its JobStart arrives. A worker that never reports loses the
// claim after this long.
const ClaimTimeout = 2 * time.Minute

// InstanceStatus is the lifecycle status of one local execution slot.
type InstanceStatus string

const (
	StatusOffline   InstanceStatus = "offline"
	StatusStarting  InstanceStatus = "starting"
	StatusListening InstanceStatus = "listening"
	StatusBusy      InstanceStatus = "busy"
	StatusError     InstanceStatus = "error"
)

// JobResult is the outcome reported with JOB_COMPLETE.
type JobResult string

const (
	ResultSucceeded JobResult = "succeeded"
	ResultFailed    JobResult = "failed"
	ResultCancelled JobResult = "cancelled"
)

// JobSummary describes the job an instance is running.
type JobSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TargetID   string    `json:"targetId,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Instance   int       `json:"instance"`
	StartedAt  time.Time `json:"startedAt"`
}

// Instance is the orchestrator's record of one execution slot.
type Instance struct {
	ID            int            `json:"id"`
	Status        InstanceStatus `json:"status"`
	FatalError    bool           `json:"fatalError"`
	Error         string         `json:"error,omitempty"`
	CurrentJob    *JobSummary    `json:"currentJob,omitempty"`
	JobsCompleted int            `json:"jobsCompleted"`
	LastResult    JobResult      `json:"lastResult,omitempty"`
}

// TargetSession mirrors the health of one target's broker session.
type TargetSession struct {
	TargetID      string     `json:"targetId"`
	SessionActive bool       `json:"sessionActive"`
	LastPoll      *time.Time `json:"lastPoll,omitempty"`
	Error         string     `json:"error,omitempty"`
	JobsAssigned  int        `json:"jobsAssigned"`
}

// State is an immutable snapshot. Reduce never mutates its input; maps in
// a State returned from Reduce must not be modified by callers.
type State struct {
	Phase     Phase      `json:"phase"`
	Activity  Activity   `json:"activity,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Error     string     `json:"error,omitempty"`

	Instances     map[int]Instance `json:"instances"`
	BusyInstances map[int]struct{} `json:"-"`
	CurrentJob    *JobSummary      `json:"currentJob,omitempty"`

	// Dispatched maps job ids handed to a worker, but not yet started, to
	// the dispatch time.
	Dispatched map[string]time.Time `json:"dispatched,omitempty"`

	UserPaused          bool   `json:"userPaused"`
	ResourcePaused      bool   `json:"resourcePaused"`
	ResourcePauseReason string `json:"resourcePauseReason,omitempty"`

	Targets map[string]TargetSession `json:"targets"`
}

// Initial returns the idle state.
func Initial() State {
	return State{
		Phase:         PhaseIdle,
		Instances:     map[int]Instance{},
		BusyInstances: map[int]struct{}{},
		Dispatched:    map[string]time.Time{},
		Targets:       map[string]TargetSession{},
	}
}

// Paused reports whether either pause flag is set.
func (s State) Paused() bool {
	return s.UserPaused || s.ResourcePaused
}

// Busy returns the busy instance ids in ascending order.
func (s State) Busy() []int {
	ids := make([]int, 0, len(s.BusyInstances))
	for id := range s.BusyInstances {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Claims returns the number of dispatched jobs that have not started and
// were dispatched less than ClaimTimeout before now.
func (s State) Claims(now time.Time) int {
	n := 0
	for _, at := range s.Dispatched {
		if now.Sub(at) < ClaimTimeout {
			n++
		}
	}
	return n
}

// Instance returns the record for id, or an offline record if the
// instance has never reported.
func (s State) Instance(id int) Instance {
	if inst, ok := s.Instances[id]; ok {
		return inst
	}
	return Instance{ID: id, Status: StatusOffline}
}

func (s State) clone() State {
	n := s
	n.Instances = make(map[int]Instance, len(s.Instances))
	for k, v := range s.Instances {
		n.Instances[k] = v
	}
	n.BusyInstances = make(map[int]struct{}, len(s.BusyInstances))
	for k := range s.BusyInstances {
		n.BusyInstances[k] = struct{}{}
	}
	n.Dispatched = make(map[string]time.Time, len(s.Dispatched))
	for k, v := range s.Dispatched {
		n.Dispatched[k] = v
	}
	n.Targets = make(map[string]TargetSession, len(s.Targets))
	for k, v := range s.Targets {
		n.Targets[k] = v
	}
	return n
}

// refreshActivity derives the running substate from the busy set and the
// pause overlay.
func (s *State) refreshActivity() {
	if s.Phase != PhaseRunning {
		s.Activity = ActivityNone
		return
	}
	switch {
	case s.Paused():
		s.Activity = ActivityPaused
	case len(s.BusyInstances) > 0:
		s.Activity = ActivityBusy
	default:
		s.Activity = ActivityListening
	}
}

// refreshCurrentJob keeps CurrentJob pointing at a job that is still
// running. It is cleared only once the busy set is empty.
func (s *State) refreshCurrentJob() {
	if len(s.BusyInstances) == 0 {
		s.CurrentJob = nil
		return
	}
	if s.CurrentJob != nil {
		if _, ok := s.BusyInstances[s.CurrentJob.Instance]; ok {
			return
		}
	}
	for _, id := range s.Busy() {
		if job := s.Instances[id].CurrentJob; job != nil {
			s.CurrentJob = job
			return
		}
	}
}
