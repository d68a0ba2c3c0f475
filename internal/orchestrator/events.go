package orchestrator

import "time"

// EventType names an event on the wire and in logs.
type EventType string

const (
	EventStart            EventType = "START"
	EventStop             EventType = "STOP"
	EventShutdownComplete EventType = "SHUTDOWN_COMPLETE"

	EventUserPause      EventType = "USER_PAUSE"
	EventUserResume     EventType = "USER_RESUME"
	EventResourcePause  EventType = "RESOURCE_PAUSE"
	EventResourceResume EventType = "RESOURCE_RESUME"

	EventInstanceStarting  EventType = "INSTANCE_STARTING"
	EventInstanceListening EventType = "INSTANCE_LISTENING"
	EventInstanceBusy      EventType = "INSTANCE_BUSY"
	EventInstanceError     EventType = "INSTANCE_ERROR"
	EventInstanceFatal     EventType = "INSTANCE_FATAL"
	EventInstanceStopped   EventType = "INSTANCE_STOPPED"
	EventInstanceRestart   EventType = "INSTANCE_RESTART"

	EventJobDispatched EventType = "JOB_DISPATCHED"
	EventJobStart      EventType = "JOB_START"
	EventJobComplete   EventType = "JOB_COMPLETE"

	EventTargetSessionActive EventType = "TARGET_SESSION_ACTIVE"
	EventTargetSessionError  EventType = "TARGET_SESSION_ERROR"
	EventTargetSessionClosed EventType = "TARGET_SESSION_CLOSED"
)

// Event is implemented by every event struct in this package. The set is
// closed: the unexported marker keeps other packages from adding cases
// Reduce does not know about.
type Event interface {
	Type() EventType
	event()
}

// Start begins a run. At becomes State.StartedAt.
type Start struct{ At time.Time }

// Stop begins shutdown.
type Stop struct{}

// ShutdownComplete returns the machine to idle.
type ShutdownComplete struct{}

// UserPause sets the user pause flag.
type UserPause struct{}

// UserResume clears the user pause flag.
type UserResume struct{}

// ResourcePause sets the resource pause flag with a human-readable reason
// such as "Battery below 20%".
type ResourcePause struct{ Reason string }

// ResourceResume clears the resource pause flag.
type ResourceResume struct{}

// InstanceStarting reports that an instance is booting.
type InstanceStarting struct{ Instance int }

// InstanceListening reports that an instance is idle and ready for work.
type InstanceListening struct{ Instance int }

// InstanceBusy reports that an instance is running a job.
type InstanceBusy struct{ Instance int }

// InstanceError reports a recoverable instance failure.
type InstanceError struct {
	Instance int
	Error    string
}

// InstanceFatal reports an unrecoverable instance failure. The instance is
// excluded from dispatch until an InstanceRestart.
type InstanceFatal struct {
	Instance int
	Error    string
}

// InstanceStopped reports that an instance exited.
type InstanceStopped struct{ Instance int }

// InstanceRestart is the operator clearing a fatal instance.
type InstanceRestart struct{ Instance int }

// JobDispatched reports that the proxy handed a queued job to a worker.
// The job holds a claim on a free instance until its JobStart arrives or
// the claim is older than ClaimTimeout.
type JobDispatched struct {
	JobID string
	At    time.Time
}

// JobStart reports that an instance picked up a job.
type JobStart struct {
	Instance int
	Job      JobSummary
}

// JobComplete reports that an instance finished its job.
type JobComplete struct {
	Instance int
	Result   JobResult
}

// TargetSessionActive reports a healthy poll for a target. JobAssigned
// marks that the poll produced an admitted job.
type TargetSessionActive struct {
	TargetID    string
	At          time.Time
	JobAssigned bool
}

// TargetSessionError reports a persistent session failure for a target.
type TargetSessionError struct {
	TargetID string
	Error    string
}

// TargetSessionClosed reports that a target's session ended. Removed drops
// the target's record entirely.
type TargetSessionClosed struct {
	TargetID string
	Removed  bool
}

func (Start) Type() EventType               { return EventStart }
func (Stop) Type() EventType                { return EventStop }
func (ShutdownComplete) Type() EventType    { return EventShutdownComplete }
func (UserPause) Type() EventType           { return EventUserPause }
func (UserResume) Type() EventType          { return EventUserResume }
func (ResourcePause) Type() EventType       { return EventResourcePause }
func (ResourceResume) Type() EventType      { return EventResourceResume }
func (InstanceStarting) Type() EventType    { return EventInstanceStarting }
func (InstanceListening) Type() EventType   { return EventInstanceListening }
func (InstanceBusy) Type() EventType        { return EventInstanceBusy }
func (InstanceError) Type() EventType       { return EventInstanceError }
func (InstanceFatal) Type() EventType       { return EventInstanceFatal }
func (InstanceStopped) Type() EventType     { return EventInstanceStopped }
func (InstanceRestart) Type() EventType     { return EventInstanceRestart }
func (JobDispatched) Type() EventType       { return EventJobDispatched }
func (JobStart) Type() EventType            { return EventJobStart }
func (JobComplete) Type() EventType         { return EventJobComplete }
func (TargetSessionActive) Type() EventType { return EventTargetSessionActive }
func (TargetSessionError) Type() EventType  { return EventTargetSessionError }
func (TargetSessionClosed) Type() EventType { return EventTargetSessionClosed }

func (Start) event()               {}
func (Stop) event()                {}
func (ShutdownComplete) event()    {}
func (UserPause) event()           {}
func (UserResume) event()          {}
func (ResourcePause) event()       {}
func (ResourceResume) event()      {}
func (InstanceStarting) event()    {}
func (InstanceListening) event()   {}
func (InstanceBusy) event()        {}
func (InstanceError) event()       {}
func (InstanceFatal) event()       {}
func (InstanceStopped) event()     {}
func (InstanceRestart) event()     {}
func (JobDispatched) event()       {}
func (JobStart) event()            {}
func (JobComplete) event()         {}
func (TargetSessionActive) event() {}
func (TargetSessionError) event()  {}
func (TargetSessionClosed) event() {}
