package orchestrator

import "time"

// Reduce applies e to s and returns the next state. Events that are not
// legal in the current phase are ignored and s is returned unchanged;
// event sources are asynchronous, so a slightly stale event is expected
// and never an error.
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case Start:
		if s.Phase != PhaseIdle && s.Phase != PhaseError {
			return s
		}
		n := s.clone()
		at := ev.At
		n.Phase = PhaseStarting
		n.StartedAt = &at
		n.Error = ""
		n.Instances = map[int]Instance{}
		n.BusyInstances = map[int]struct{}{}
		n.Dispatched = map[string]time.Time{}
		n.CurrentJob = nil
		n.refreshActivity()
		return n

	case Stop:
		switch s.Phase {
		case PhaseStarting, PhaseRunning, PhaseError:
			n := s.clone()
			n.enterShuttingDown()
			return n
		}
		return s

	case ShutdownComplete:
		if s.Phase == PhaseIdle {
			return s
		}
		n := s.clone()
		n.Phase = PhaseIdle
		n.StartedAt = nil
		n.Error = ""
		n.Instances = map[int]Instance{}
		n.BusyInstances = map[int]struct{}{}
		n.Dispatched = map[string]time.Time{}
		n.CurrentJob = nil
		n.refreshActivity()
		return n

	case JobDispatched:
		if !s.acceptsInstanceEvents() {
			return s
		}
		n := s.clone()
		for id, at := range n.Dispatched {
			if ev.At.Sub(at) >= ClaimTimeout {
				delete(n.Dispatched, id)
			}
		}
		n.Dispatched[ev.JobID] = ev.At
		return n

	case UserPause, UserResume, ResourcePause, ResourceResume:
		n := s.clone()
		n.applyPause(ev)
		n.refreshActivity()
		return n

	case TargetSessionActive, TargetSessionError, TargetSessionClosed:
		n := s.clone()
		n.applyTarget(ev)
		return n
	}

	if !s.acceptsInstanceEvents() {
		return s
	}
	n := s.clone()
	if !n.applyInstance(e) {
		return s
	}
	n.refreshCurrentJob()
	n.refreshActivity()
	return n
}

// enterShuttingDown is the entry action of PhaseShuttingDown. Instance
// state is cleared here so that late instance events cannot resurrect it.
func (s *State) enterShuttingDown() {
	s.Phase = PhaseShuttingDown
	s.Instances = map[int]Instance{}
	s.BusyInstances = map[int]struct{}{}
	s.Dispatched = map[string]time.Time{}
	s.CurrentJob = nil
	s.refreshActivity()
}

func (s State) acceptsInstanceEvents() bool {
	switch s.Phase {
	case PhaseStarting, PhaseRunning, PhaseError:
		return true
	}
	return false
}

func (s *State) applyPause(e Event) {
	switch ev := e.(type) {
	case UserPause:
		s.UserPaused = true
	case UserResume:
		s.UserPaused = false
	case ResourcePause:
		s.ResourcePaused = true
		s.ResourcePauseReason = ev.Reason
	case ResourceResume:
		s.ResourcePaused = false
		s.ResourcePauseReason = ""
	}
}

func (s *State) applyTarget(e Event) {
	switch ev := e.(type) {
	case TargetSessionActive:
		t := s.Targets[ev.TargetID]
		t.TargetID = ev.TargetID
		t.SessionActive = true
		t.Error = ""
		if !ev.At.IsZero() {
			at := ev.At
			t.LastPoll = &at
		}
		if ev.JobAssigned {
			t.JobsAssigned++
		}
		s.Targets[ev.TargetID] = t
	case TargetSessionError:
		t := s.Targets[ev.TargetID]
		t.TargetID = ev.TargetID
		t.SessionActive = false
		t.Error = ev.Error
		s.Targets[ev.TargetID] = t
	case TargetSessionClosed:
		if ev.Removed {
			delete(s.Targets, ev.TargetID)
			return
		}
		if t, ok := s.Targets[ev.TargetID]; ok {
			t.SessionActive = false
			s.Targets[ev.TargetID] = t
		}
	}
}

// applyInstance mutates s for an instance-scoped or job event and reports
// whether the event was applicable.
func (s *State) applyInstance(e Event) bool {
	switch ev := e.(type) {
	case InstanceStarting:
		inst := s.Instance(ev.Instance)
		if inst.FatalError {
			return false
		}
		inst.Status = StatusStarting
		inst.Error = ""
		s.Instances[ev.Instance] = inst

	case InstanceListening:
		inst := s.Instance(ev.Instance)
		if inst.FatalError {
			return false
		}
		inst.Status = StatusListening
		inst.Error = ""
		inst.CurrentJob = nil
		s.Instances[ev.Instance] = inst
		delete(s.BusyInstances, ev.Instance)
		s.promote()

	case InstanceBusy:
		inst := s.Instance(ev.Instance)
		if inst.FatalError {
			return false
		}
		inst.Status = StatusBusy
		s.Instances[ev.Instance] = inst
		s.BusyInstances[ev.Instance] = struct{}{}
		s.promote()

	case InstanceError:
		inst := s.Instance(ev.Instance)
		inst.Status = StatusError
		inst.Error = ev.Error
		inst.CurrentJob = nil
		s.Instances[ev.Instance] = inst
		delete(s.BusyInstances, ev.Instance)
		s.failStartup(ev.Error)

	case InstanceFatal:
		inst := s.Instance(ev.Instance)
		inst.Status = StatusError
		inst.FatalError = true
		inst.Error = ev.Error
		inst.CurrentJob = nil
		s.Instances[ev.Instance] = inst
		delete(s.BusyInstances, ev.Instance)
		s.failStartup(ev.Error)

	case InstanceStopped:
		inst := s.Instance(ev.Instance)
		inst.Status = StatusOffline
		inst.CurrentJob = nil
		s.Instances[ev.Instance] = inst
		delete(s.BusyInstances, ev.Instance)

	case InstanceRestart:
		inst, ok := s.Instances[ev.Instance]
		if !ok || !inst.FatalError {
			return false
		}
		inst.FatalError = false
		inst.Error = ""
		inst.Status = StatusOffline
		s.Instances[ev.Instance] = inst

	case JobStart:
		inst := s.Instance(ev.Instance)
		if inst.FatalError {
			return false
		}
		job := ev.Job
		job.Instance = ev.Instance
		inst.Status = StatusBusy
		inst.CurrentJob = &job
		s.Instances[ev.Instance] = inst
		s.BusyInstances[ev.Instance] = struct{}{}
		s.CurrentJob = &job
		delete(s.Dispatched, ev.Job.ID)
		s.promote()

	case JobComplete:
		if _, ok := s.BusyInstances[ev.Instance]; !ok {
			return false
		}
		inst := s.Instance(ev.Instance)
		inst.Status = StatusListening
		inst.CurrentJob = nil
		inst.JobsCompleted++
		inst.LastResult = ev.Result
		s.Instances[ev.Instance] = inst
		delete(s.BusyInstances, ev.Instance)

	default:
		return false
	}
	return true
}

// promote moves starting to running once any instance is serving.
func (s *State) promote() {
	if s.Phase == PhaseStarting {
		s.Phase = PhaseRunning
	}
}

// failStartup moves starting to error. Failures after startup stay scoped
// to the instance.
func (s *State) failStartup(msg string) {
	if s.Phase == PhaseStarting {
		s.Phase = PhaseError
		s.Error = msg
	}
}
