package engine

import (
	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// CommandType identifies a concrete command. Exactly one handler is
// registered per type; dispatch is a map lookup, never a search.
type CommandType string

const (
	// process lifecycle
	CommandCreateProcess    CommandType = "CREATE_PROCESS"
	CommandRunProcess       CommandType = "RUN_PROCESS"
	CommandCompleteProcess  CommandType = "COMPLETE_PROCESS"
	CommandCancelProcess    CommandType = "CANCEL_PROCESS"
	CommandTerminateProcess CommandType = "TERMINATE_PROCESS"
	CommandSuspendProcess   CommandType = "SUSPEND_PROCESS"
	CommandResumeProcess    CommandType = "RESUME_PROCESS"
	CommandProcessIncident  CommandType = "PROCESS_INCIDENT"
	CommandResolveIncident  CommandType = "RESOLVE_INCIDENT"
	CommandDeleteProcess    CommandType = "DELETE_PROCESS"

	// activity execution
	CommandRunActivity       CommandType = "RUN_ACTIVITY"
	CommandCompleteActivity  CommandType = "COMPLETE_ACTIVITY"
	CommandFailActivity      CommandType = "FAIL_ACTIVITY"
	CommandRetryActivity     CommandType = "RETRY_ACTIVITY"
	CommandTerminateActivity CommandType = "TERMINATE_ACTIVITY"
	CommandTriggerActivity   CommandType = "TRIGGER_ACTIVITY"

	// administration
	CommandMigrateProcesses CommandType = "MIGRATE_PROCESSES"
)

// Command is a plain, immutable data object routed through the bus.
type Command interface {
	Type() CommandType
}

// instanceScoped marks commands whose handler mutates one process
// instance; entry points serialize them per instance key.
type instanceScoped interface {
	instanceKey() int64
}

type createProcessCommand struct {
	definitionKey     int64  // 0 when processId is used
	processId         string // latest version when set
	businessKey       string
	variables         map[string]any
	parentProcessKey  *int64
	parentActivityKey *int64
}

func (createProcessCommand) Type() CommandType { return CommandCreateProcess }

type runProcessCommand struct {
	processKey int64
}

func (runProcessCommand) Type() CommandType { return CommandRunProcess }

type completeProcessCommand struct {
	processKey int64
}

func (completeProcessCommand) Type() CommandType { return CommandCompleteProcess }

type cancelProcessCommand struct {
	processKey int64
}

func (cancelProcessCommand) Type() CommandType { return CommandCancelProcess }

type terminateProcessCommand struct {
	processKey int64
}

func (terminateProcessCommand) Type() CommandType { return CommandTerminateProcess }

// suspendProcessCommand suspends by instance key, by definition key, or
// by logical definition id; exactly one selector is set.
type suspendProcessCommand struct {
	processKey    int64
	definitionKey int64
	processId     string
}

func (suspendProcessCommand) Type() CommandType { return CommandSuspendProcess }

type resumeProcessCommand struct {
	processKey    int64
	definitionKey int64
	processId     string
}

func (resumeProcessCommand) Type() CommandType { return CommandResumeProcess }

type processIncidentCommand struct {
	processKey int64
}

func (processIncidentCommand) Type() CommandType { return CommandProcessIncident }

type resolveIncidentCommand struct {
	processKey int64
}

func (resolveIncidentCommand) Type() CommandType { return CommandResolveIncident }

type deleteProcessCommand struct {
	processKey int64
	cascade    bool // also delete the owning call activity in the parent
}

func (deleteProcessCommand) Type() CommandType { return CommandDeleteProcess }

type runActivityCommand struct {
	processKey   int64
	definitionId string
}

func (runActivityCommand) Type() CommandType { return CommandRunActivity }

type completeActivityCommand struct {
	processKey  int64
	activityKey int64
	variables   map[string]any
}

func (completeActivityCommand) Type() CommandType { return CommandCompleteActivity }

type failActivityCommand struct {
	processKey  int64
	activityKey int64
	reason      string
	trace       string
}

func (failActivityCommand) Type() CommandType { return CommandFailActivity }

type retryActivityCommand struct {
	processKey  int64
	activityKey int64
}

func (retryActivityCommand) Type() CommandType { return CommandRetryActivity }

type terminateActivityCommand struct {
	processKey       int64
	activityKey      int64
	withInterruption bool
}

func (terminateActivityCommand) Type() CommandType { return CommandTerminateActivity }

// triggerActivityCommand externally signals an event activity: a timer
// fired, a message correlated, an escalation was raised.
type triggerActivityCommand struct {
	processKey   int64
	definitionId string
	variables    map[string]any
}

func (triggerActivityCommand) Type() CommandType { return CommandTriggerActivity }

type migrateProcessesCommand struct {
	plan runtime.MigrationPlan
}

func (migrateProcessesCommand) Type() CommandType { return CommandMigrateProcesses }

func (c runProcessCommand) instanceKey() int64        { return c.processKey }
func (c completeProcessCommand) instanceKey() int64   { return c.processKey }
func (c cancelProcessCommand) instanceKey() int64     { return c.processKey }
func (c terminateProcessCommand) instanceKey() int64  { return c.processKey }
func (c suspendProcessCommand) instanceKey() int64    { return c.processKey }
func (c resumeProcessCommand) instanceKey() int64     { return c.processKey }
func (c processIncidentCommand) instanceKey() int64   { return c.processKey }
func (c resolveIncidentCommand) instanceKey() int64   { return c.processKey }
func (c deleteProcessCommand) instanceKey() int64     { return c.processKey }
func (c runActivityCommand) instanceKey() int64       { return c.processKey }
func (c completeActivityCommand) instanceKey() int64  { return c.processKey }
func (c failActivityCommand) instanceKey() int64      { return c.processKey }
func (c retryActivityCommand) instanceKey() int64     { return c.processKey }
func (c terminateActivityCommand) instanceKey() int64 { return c.processKey }
func (c triggerActivityCommand) instanceKey() int64   { return c.processKey }
