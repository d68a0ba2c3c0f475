package orchestrator

import (
	"fmt"
	"time"
)

// WireEvent is the JSON form of an event, used by external workers that
// report instance lifecycle over the local HTTP API.
type WireEvent struct {
	Type     EventType   `json:"type"`
	Instance int         `json:"instance,omitempty"`
	Error    string      `json:"error,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Result   JobResult   `json:"result,omitempty"`
	Job      *JobSummary `json:"job,omitempty"`
	TargetID string      `json:"targetId,omitempty"`
	At       time.Time   `json:"at,omitempty"`
}

// Decode converts a WireEvent into a typed Event.
func Decode(w WireEvent) (Event, error) {
	switch w.Type {
	case EventStart:
		return Start{At: w.At}, nil
	case EventStop:
		return Stop{}, nil
	case EventShutdownComplete:
		return ShutdownComplete{}, nil
	case EventUserPause:
		return UserPause{}, nil
	case EventUserResume:
		return UserResume{}, nil
	case EventResourcePause:
		return ResourcePause{Reason: w.Reason}, nil
	case EventResourceResume:
		return ResourceResume{}, nil
	case EventTargetSessionActive, EventTargetSessionError, EventTargetSessionClosed, EventJobDispatched:
		return nil, fmt.Errorf("event %s is emitted by the proxy and cannot be reported externally", w.Type)
	}

	if w.Instance < 1 {
		return nil, fmt.Errorf("event %s: instance must be >= 1", w.Type)
	}

	switch w.Type {
	case EventInstanceStarting:
		return InstanceStarting{Instance: w.Instance}, nil
	case EventInstanceListening:
		return InstanceListening{Instance: w.Instance}, nil
	case EventInstanceBusy:
		return InstanceBusy{Instance: w.Instance}, nil
	case EventInstanceError:
		return InstanceError{Instance: w.Instance, Error: w.Error}, nil
	case EventInstanceFatal:
		return InstanceFatal{Instance: w.Instance, Error: w.Error}, nil
	case EventInstanceStopped:
		return InstanceStopped{Instance: w.Instance}, nil
	case EventInstanceRestart:
		return InstanceRestart{Instance: w.Instance}, nil
	case EventJobStart:
		if w.Job == nil {
			return nil, fmt.Errorf("event %s: job is required", w.Type)
		}
		return JobStart{Instance: w.Instance, Job: *w.Job}, nil
	case EventJobComplete:
		switch w.Result {
		case ResultSucceeded, ResultFailed, ResultCancelled:
		default:
			return nil, fmt.Errorf("event %s: unknown result %q", w.Type, w.Result)
		}
		return JobComplete{Instance: w.Instance, Result: w.Result}, nil
	}

	return nil, fmt.Errorf("unknown event type %q", w.Type)
}
