package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// replay folds events over the initial state.
func replay(events ...Event) State {
	s := Initial()
	for _, e := range events {
		s = Reduce(s, e)
	}
	return s
}

func job(id string) JobSummary {
	return JobSummary{ID: id, Name: "build " + id, TargetID: "t1", StartedAt: t0}
}

type ReducerSuite struct {
	suite.Suite
}

func TestReducerSuite(t *testing.T) {
	suite.Run(t, new(ReducerSuite))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestStartSetsStartedAt() {
	st := replay(Start{At: t0})
	assert.Equal(s.T(), PhaseStarting, st.Phase)
	require.NotNil(s.T(), st.StartedAt)
	assert.Equal(s.T(), t0, *st.StartedAt)
	assert.Equal(s.T(), ActivityNone, st.Activity)
}

func (s *ReducerSuite) TestStartIgnoredWhileRunning() {
	st := replay(Start{At: t0}, InstanceListening{Instance: 1}, Start{At: t0.Add(time.Hour)})
	assert.Equal(s.T(), PhaseRunning, st.Phase)
	assert.Equal(s.T(), t0, *st.StartedAt)
}

func (s *ReducerSuite) TestFirstListeningInstancePromotesToRunning() {
	st := replay(Start{At: t0}, InstanceStarting{Instance: 1}, InstanceListening{Instance: 1})
	assert.Equal(s.T(), PhaseRunning, st.Phase)
	assert.Equal(s.T(), ActivityListening, st.Activity)
	assert.Equal(s.T(), StatusListening, st.Instance(1).Status)
}

func (s *ReducerSuite) TestShutdownCompleteClearsStartedAt() {
	st := replay(Start{At: t0}, InstanceListening{Instance: 1}, Stop{}, ShutdownComplete{})
	assert.Equal(s.T(), PhaseIdle, st.Phase)
	assert.Nil(s.T(), st.StartedAt)
}

func (s *ReducerSuite) TestShutdownCompleteFromAnyPhaseClearsStartedAt() {
	st := replay(Start{At: t0}, ShutdownComplete{})
	assert.Equal(s.T(), PhaseIdle, st.Phase)
	assert.Nil(s.T(), st.StartedAt)
}

func (s *ReducerSuite) TestShuttingDownClearsInstancesOnEntry() {
	st := replay(
		Start{At: t0},
		JobStart{Instance: 1, Job: job("a")},
		JobStart{Instance: 2, Job: job("b")},
		Stop{},
	)
	assert.Equal(s.T(), PhaseShuttingDown, st.Phase)
	assert.Empty(s.T(), st.Instances)
	assert.Empty(s.T(), st.BusyInstances)
	assert.Nil(s.T(), st.CurrentJob)

	// A late instance event must not resurrect state.
	late := Reduce(st, JobComplete{Instance: 1, Result: ResultSucceeded})
	assert.Empty(s.T(), late.Instances)
	late = Reduce(late, InstanceListening{Instance: 2})
	assert.Empty(s.T(), late.Instances)
	assert.Equal(s.T(), PhaseShuttingDown, late.Phase)
}

func (s *ReducerSuite) TestStartupErrorEntersErrorAndStartClearsIt() {
	st := replay(Start{At: t0}, InstanceError{Instance: 1, Error: "runner binary missing"})
	assert.Equal(s.T(), PhaseError, st.Phase)
	assert.Equal(s.T(), "runner binary missing", st.Error)

	st = Reduce(st, Start{At: t0.Add(time.Minute)})
	assert.Equal(s.T(), PhaseStarting, st.Phase)
	assert.Empty(s.T(), st.Error)
	assert.Equal(s.T(), t0.Add(time.Minute), *st.StartedAt)
}

func (s *ReducerSuite) TestInstanceErrorWhileRunningStaysScoped() {
	st := replay(
		Start{At: t0},
		InstanceListening{Instance: 1},
		InstanceListening{Instance: 2},
		InstanceError{Instance: 2, Error: "crashed"},
	)
	assert.Equal(s.T(), PhaseRunning, st.Phase)
	assert.Equal(s.T(), ActivityListening, st.Activity)
	assert.Equal(s.T(), StatusError, st.Instance(2).Status)
	assert.Equal(s.T(), StatusListening, st.Instance(1).Status)
}

// ---------------------------------------------------------------------------
// Busy set
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestBusySetRequiresLastCompletion() {
	const n = 4
	events := []Event{Start{At: t0}}
	for i := 1; i <= n; i++ {
		events = append(events, JobStart{Instance: i, Job: job(string(rune('a' + i)))})
	}
	st := replay(events...)
	assert.Equal(s.T(), ActivityBusy, st.Activity)
	assert.Equal(s.T(), []int{1, 2, 3, 4}, st.Busy())

	for i := 1; i < n; i++ {
		st = Reduce(st, JobComplete{Instance: i, Result: ResultSucceeded})
		assert.Equal(s.T(), ActivityBusy, st.Activity, "after completion %d", i)
		assert.NotNil(s.T(), st.CurrentJob, "after completion %d", i)
	}

	st = Reduce(st, JobComplete{Instance: n, Result: ResultSucceeded})
	assert.Equal(s.T(), ActivityListening, st.Activity)
	assert.Nil(s.T(), st.CurrentJob)
	assert.Empty(s.T(), st.Busy())
}

func (s *ReducerSuite) TestCurrentJobFollowsRemainingBusyInstance() {
	st := replay(
		Start{At: t0},
		JobStart{Instance: 1, Job: job("a")},
		JobStart{Instance: 2, Job: job("b")},
	)
	require.NotNil(s.T(), st.CurrentJob)
	assert.Equal(s.T(), "b", st.CurrentJob.ID)

	st = Reduce(st, JobComplete{Instance: 2, Result: ResultFailed})
	require.NotNil(s.T(), st.CurrentJob)
	assert.Equal(s.T(), "a", st.CurrentJob.ID)
	assert.Equal(s.T(), ResultFailed, st.Instance(2).LastResult)
}

func (s *ReducerSuite) TestJobCompleteForIdleInstanceIsNoop() {
	st := replay(Start{At: t0}, InstanceListening{Instance: 1})
	next := Reduce(st, JobComplete{Instance: 1, Result: ResultSucceeded})
	assert.Equal(s.T(), 0, next.Instance(1).JobsCompleted)
	assert.Equal(s.T(), st.Activity, next.Activity)
}

func (s *ReducerSuite) TestInstanceListeningClearsBusy() {
	st := replay(Start{At: t0}, InstanceBusy{Instance: 1}, InstanceListening{Instance: 1})
	assert.Equal(s.T(), ActivityListening, st.Activity)
	assert.Empty(s.T(), st.Busy())
}

func (s *ReducerSuite) TestJobsCompletedCounter() {
	st := replay(
		Start{At: t0},
		JobStart{Instance: 1, Job: job("a")},
		JobComplete{Instance: 1, Result: ResultSucceeded},
		JobStart{Instance: 1, Job: job("b")},
		JobComplete{Instance: 1, Result: ResultSucceeded},
	)
	assert.Equal(s.T(), 2, st.Instance(1).JobsCompleted)
}

// ---------------------------------------------------------------------------
// Pause overlay
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestPauseRequiresBothFlagsCleared() {
	st := replay(
		Start{At: t0},
		InstanceListening{Instance: 1},
		UserPause{},
		ResourcePause{Reason: "On battery"},
		ResourceResume{},
	)
	assert.Equal(s.T(), ActivityPaused, st.Activity)
	assert.True(s.T(), st.UserPaused)
	assert.False(s.T(), st.ResourcePaused)

	st = Reduce(st, UserResume{})
	assert.Equal(s.T(), ActivityListening, st.Activity)
}

func (s *ReducerSuite) TestPausedWhileBusyLetsJobFinish() {
	st := replay(
		Start{At: t0},
		JobStart{Instance: 1, Job: job("a")},
		UserPause{},
	)
	assert.Equal(s.T(), ActivityPaused, st.Activity)
	assert.Equal(s.T(), []int{1}, st.Busy())

	st = Reduce(st, JobComplete{Instance: 1, Result: ResultSucceeded})
	assert.Equal(s.T(), ActivityPaused, st.Activity)
	assert.Equal(s.T(), 1, st.Instance(1).JobsCompleted)

	st = Reduce(st, UserResume{})
	assert.Equal(s.T(), ActivityListening, st.Activity)
}

func (s *ReducerSuite) TestResumeWhileJobsBusyReturnsToBusy() {
	st := replay(Start{At: t0}, JobStart{Instance: 1, Job: job("a")}, ResourcePause{Reason: "Video call"}, ResourceResume{})
	assert.Equal(s.T(), ActivityBusy, st.Activity)
}

func (s *ReducerSuite) TestPauseBeforeStartIsRemembered() {
	st := replay(UserPause{}, Start{At: t0}, InstanceListening{Instance: 1})
	assert.Equal(s.T(), ActivityPaused, st.Activity)
}

// ---------------------------------------------------------------------------
// Fatal instances
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestFatalIsSticky() {
	st := replay(
		Start{At: t0},
		InstanceListening{Instance: 1},
		InstanceFatal{Instance: 2, Error: "sandbox profile rejected"},
		InstanceStarting{Instance: 2},
		InstanceListening{Instance: 2},
		JobStart{Instance: 2, Job: job("x")},
	)
	inst := st.Instance(2)
	assert.True(s.T(), inst.FatalError)
	assert.Equal(s.T(), StatusError, inst.Status)
	assert.Empty(s.T(), st.Busy())

	st = Reduce(st, InstanceRestart{Instance: 2})
	assert.False(s.T(), st.Instance(2).FatalError)
	st = Reduce(st, InstanceListening{Instance: 2})
	assert.Equal(s.T(), StatusListening, st.Instance(2).Status)
}

// ---------------------------------------------------------------------------
// Target sessions
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestTargetSessionsIndependentOfPhase() {
	st := replay(
		TargetSessionActive{TargetID: "t1", At: t0},
		TargetSessionActive{TargetID: "t1", At: t0.Add(time.Second), JobAssigned: true},
		TargetSessionError{TargetID: "t2", Error: "401 unauthorized"},
	)
	assert.Equal(s.T(), PhaseIdle, st.Phase)

	t1 := st.Targets["t1"]
	assert.True(s.T(), t1.SessionActive)
	assert.Equal(s.T(), 1, t1.JobsAssigned)
	assert.Equal(s.T(), t0.Add(time.Second), *t1.LastPoll)

	t2 := st.Targets["t2"]
	assert.False(s.T(), t2.SessionActive)
	assert.Equal(s.T(), "401 unauthorized", t2.Error)

	st = Reduce(st, TargetSessionClosed{TargetID: "t1"})
	assert.False(s.T(), st.Targets["t1"].SessionActive)
	st = Reduce(st, TargetSessionClosed{TargetID: "t1", Removed: true})
	assert.NotContains(s.T(), st.Targets, "t1")
}

// ---------------------------------------------------------------------------
// Dispatch claims
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestJobStartReleasesClaim() {
	st := replay(Start{At: t0}, InstanceListening{Instance: 1}, JobDispatched{JobID: "a", At: t0})
	assert.Equal(s.T(), 1, st.Claims(t0))

	st = Reduce(st, JobStart{Instance: 1, Job: job("a")})
	assert.Zero(s.T(), st.Claims(t0))
}

func (s *ReducerSuite) TestClaimsLapseAndArePruned() {
	st := replay(Start{At: t0}, JobDispatched{JobID: "a", At: t0})
	assert.Equal(s.T(), 1, st.Claims(t0.Add(ClaimTimeout-time.Second)))
	assert.Zero(s.T(), st.Claims(t0.Add(ClaimTimeout)))

	st = Reduce(st, JobDispatched{JobID: "b", At: t0.Add(ClaimTimeout)})
	assert.NotContains(s.T(), st.Dispatched, "a")
	assert.Contains(s.T(), st.Dispatched, "b")
}

func (s *ReducerSuite) TestClaimsIgnoredWhenIdleAndClearedOnStop() {
	st := replay(JobDispatched{JobID: "a", At: t0})
	assert.Empty(s.T(), st.Dispatched)

	st = replay(Start{At: t0}, JobDispatched{JobID: "a", At: t0}, Stop{})
	assert.Empty(s.T(), st.Dispatched)
}

// ---------------------------------------------------------------------------
// Purity
// ---------------------------------------------------------------------------

func (s *ReducerSuite) TestReduceDoesNotMutateInput() {
	before := replay(Start{At: t0}, JobStart{Instance: 1, Job: job("a")})
	_ = Reduce(before, JobComplete{Instance: 1, Result: ResultSucceeded})
	_ = Reduce(before, TargetSessionActive{TargetID: "t9", At: t0})

	assert.Equal(s.T(), []int{1}, before.Busy())
	assert.Equal(s.T(), StatusBusy, before.Instance(1).Status)
	assert.NotContains(s.T(), before.Targets, "t9")
}

// ---------------------------------------------------------------------------
// Wire decoding
// ---------------------------------------------------------------------------

func TestDecode(t *testing.T) {
	ev, err := Decode(WireEvent{Type: EventJobStart, Instance: 2, Job: &JobSummary{ID: "j", Name: "lint"}})
	require.NoError(t, err)
	assert.Equal(t, JobStart{Instance: 2, Job: JobSummary{ID: "j", Name: "lint"}}, ev)

	ev, err = Decode(WireEvent{Type: EventResourcePause, Reason: "Low battery"})
	require.NoError(t, err)
	assert.Equal(t, ResourcePause{Reason: "Low battery"}, ev)

	_, err = Decode(WireEvent{Type: EventJobComplete, Instance: 1, Result: "exploded"})
	assert.ErrorContains(t, err, "unknown result")

	_, err = Decode(WireEvent{Type: EventInstanceBusy})
	assert.ErrorContains(t, err, "instance")

	_, err = Decode(WireEvent{Type: EventTargetSessionActive, TargetID: "t1"})
	assert.Error(t, err)

	_, err = Decode(WireEvent{Type: EventJobDispatched, Instance: 1})
	assert.Error(t, err)

	_, err = Decode(WireEvent{Type: "NOPE", Instance: 1})
	assert.ErrorContains(t, err, "unknown event type")
}
