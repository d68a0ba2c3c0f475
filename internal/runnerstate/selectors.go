package runnerstate

import (
	"github.com/terrpan/brokerproxy/internal/orchestrator"
)

// UserPauseReason is reported when the user paused the runner.
const UserPauseReason = "Paused by user"

// PauseState is the effective pause overlay.
type PauseState struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
	// Source is "user" or "resource". The user reason wins when both
	// flags are set.
	Source string `json:"source,omitempty"`
}

// Pause returns the effective pause state.
func (s *Service) Pause() PauseState {
	return pauseOf(s.Snapshot())
}

func pauseOf(st orchestrator.State) PauseState {
	switch {
	case st.UserPaused:
		return PauseState{Paused: true, Reason: UserPauseReason, Source: "user"}
	case st.ResourcePaused:
		reason := st.ResourcePauseReason
		if reason == "" {
			reason = "Paused by resource monitor"
		}
		return PauseState{Paused: true, Reason: reason, Source: "resource"}
	}
	return PauseState{}
}

// IsRunning reports whether the runner is in the running phase.
func (s *Service) IsRunning() bool {
	return s.Snapshot().Phase == orchestrator.PhaseRunning
}

// IsBusy reports whether any instance is running a job.
func (s *Service) IsBusy() bool {
	return len(s.Snapshot().BusyInstances) > 0
}

// BusyInstances returns the busy instance ids in ascending order.
func (s *Service) BusyInstances() []int {
	return s.Snapshot().Busy()
}

// CurrentJob returns the most recently started job still running.
func (s *Service) CurrentJob() *orchestrator.JobSummary {
	return s.Snapshot().CurrentJob
}

// AnyActiveSession reports whether at least one target has a healthy
// broker session.
func (s *Service) AnyActiveSession() bool {
	for _, t := range s.Snapshot().Targets {
		if t.SessionActive {
			return true
		}
	}
	return false
}

// FreeInstances returns the slots that can take a new job: not busy and
// not fatally failed. Slots that have never reported are counted as free
// so a worker can claim them.
func (s *Service) FreeInstances() []int {
	st := s.Snapshot()
	free := make([]int, 0, s.parallelism)
	for id := 1; id <= s.parallelism; id++ {
		if _, busy := st.BusyInstances[id]; busy {
			continue
		}
		if st.Instance(id).FatalError {
			continue
		}
		free = append(free, id)
	}
	return free
}

// CanAcceptJob is the capacity predicate handed to the proxy: the runner
// must be running and not paused, and it needs a free instance that no
// dispatched-but-not-started job has claimed.
func (s *Service) CanAcceptJob() bool {
	st := s.Snapshot()
	if st.Phase != orchestrator.PhaseRunning || st.Paused() {
		return false
	}
	return len(s.FreeInstances()) > st.Claims(s.clock.Now())
}

// View is the JSON shape served to presentation layers.
type View struct {
	State            orchestrator.State `json:"state"`
	Pause            PauseState         `json:"pause"`
	Busy             []int              `json:"busyInstances"`
	AnyActiveSession bool               `json:"anyActiveSession"`
	CanAcceptJob     bool               `json:"canAcceptJob"`
}

// View assembles the selectors into one consistent value.
func (s *Service) View() View {
	st := s.Snapshot()
	anyActive := false
	for _, t := range st.Targets {
		if t.SessionActive {
			anyActive = true
			break
		}
	}
	return View{
		State:            st,
		Pause:            pauseOf(st),
		Busy:             st.Busy(),
		AnyActiveSession: anyActive,
		CanAcceptJob:     s.CanAcceptJob(),
	}
}
