package runtime

// ActivityState is the execution state of a single activity instance.
// Legal transitions:
//
//	SCHEDULED ──> ACTIVE ──> { COMPLETED | FAILED | TERMINATED | CANCELED }
//	FAILED ──retry──> SCHEDULED (while retry budget remains)
//
// External-task style activities may be completed or failed directly from
// SCHEDULED, because the worker report can arrive before the engine ever
// observes the ACTIVE intermediate state.
type ActivityState string

const (
	ActivityStateScheduled  ActivityState = "SCHEDULED"
	ActivityStateActive     ActivityState = "ACTIVE"
	ActivityStateCompleted  ActivityState = "COMPLETED"
	ActivityStateCanceled   ActivityState = "CANCELED"
	ActivityStateTerminated ActivityState = "TERMINATED"
	ActivityStateFailed     ActivityState = "FAILED"
)

// IsTerminal reports whether no further forward transition exists.
// FAILED is not terminal here: terminality of a failure depends on the
// remaining retry budget, which the failable behavior decides.
func (s ActivityState) IsTerminal() bool {
	switch s {
	case ActivityStateCompleted, ActivityStateCanceled, ActivityStateTerminated:
		return true
	}
	return false
}

var activityTransitions = map[ActivityState][]ActivityState{
	ActivityStateScheduled: {
		ActivityStateActive,
		ActivityStateCompleted,
		ActivityStateFailed,
		ActivityStateTerminated,
		ActivityStateCanceled,
	},
	ActivityStateActive: {
		ActivityStateCompleted,
		ActivityStateFailed,
		ActivityStateTerminated,
		ActivityStateCanceled,
	},
	ActivityStateFailed: {
		ActivityStateScheduled,
		ActivityStateTerminated,
		ActivityStateCanceled,
	},
}

// CanTransition reports whether from -> to is a legal edge of the activity
// state machine.
func CanTransition(from ActivityState, to ActivityState) bool {
	for _, t := range activityTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ProcessState is the lifecycle state of a process instance.
type ProcessState string

const (
	ProcessStateActive     ProcessState = "ACTIVE"
	ProcessStateCompleted  ProcessState = "COMPLETED"
	ProcessStateTerminated ProcessState = "TERMINATED"
	ProcessStateIncident   ProcessState = "INCIDENT"
	ProcessStateDeleted    ProcessState = "DELETED"
)

// IsTerminal reports whether the process reached an end state.
// INCIDENT is not terminal: it waits for operator resolution.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case ProcessStateCompleted, ProcessStateTerminated, ProcessStateDeleted:
		return true
	}
	return false
}

// JobState is the state of an administrative background job.
type JobState string

const (
	JobStateCreated   JobState = "CREATED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)
