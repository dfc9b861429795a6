package runtime

import (
	"time"
)

// Process is one runtime instance of a ProcessDefinition.
type Process struct {
	Key               int64
	DefinitionKey     int64  // ProcessDefinition.Key of the executed version
	ProcessId         string // denormalized logical definition id
	ParentProcessKey  *int64 // set when spawned by a call activity
	ParentActivityKey *int64 // the spawning call-activity instance in the parent
	RootProcessKey    int64  // top of the call tree, own key for root processes
	BusinessKey       string
	State             ProcessState
	Suspended         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsCallActivity reports whether this instance was spawned by a call
// activity in a parent process.
func (p *Process) IsCallActivity() bool {
	return p.ParentProcessKey != nil
}

// Failure carries the reason and trace of a failed activity execution.
type Failure struct {
	Reason   string
	Trace    string
	FailedAt time.Time
}

// Activity is one runtime instance of an ActivityDefinition within one
// Process. It references its process by key only; the process owns its
// activities, never the other way around.
type Activity struct {
	Key           int64
	DefinitionId  string
	ProcessKey    int64
	DefinitionKey int64 // process definition key, denormalized for batch queries
	State         ActivityState
	Retries       int32      // retry attempts consumed so far
	Timeout       *time.Time // absolute deadline for external-task activities
	Failure       *Failure
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Definition resolves the activity's definition node from the owning
// process's definition graph.
func (a *Activity) Definition(def *ProcessDefinition) *ActivityDefinition {
	return def.ActivityById(a.DefinitionId)
}

// Scope returns the ordered chain of enclosing scope ids, innermost
// first, used for variable and escalation handler lookup.
func (a *Activity) Scope(def *ProcessDefinition) []string {
	return def.ScopeChain(a.DefinitionId)
}

// Variable is one variable row, owned by the scope that created it.
// An empty ScopeDefinitionId marks a process-level variable.
type Variable struct {
	Key               string
	Value             any
	Type              string
	ScopeKey          int64
	ScopeDefinitionId string
	ProcessKey        int64
	UpdatedAt         time.Time
}

// JobType identifies the administrative work a Job performs.
type JobType string

const (
	JobTypeSuspendProcess JobType = "SUSPEND_PROCESS"
	JobTypeResumeProcess  JobType = "RESUME_PROCESS"
	JobTypeMigrateProcess JobType = "MIGRATE_PROCESS"
)

// Job is a unit of administrative background work, processed in
// batch-claimed, repeatable chunks.
type Job struct {
	Key       int64
	Type      JobType
	State     JobState
	Input     map[string]any
	Output    map[string]any
	Retries   int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MigrationInstruction maps one source activity definition id to its
// target. An empty ToDefinitionId deletes the activity instead of
// re-running it on the target definition.
type MigrationInstruction struct {
	FromDefinitionId string
	ToDefinitionId   string
}

// MigrationPlan moves running instances of one definition version to
// another, honoring the explicit instruction list.
type MigrationPlan struct {
	ProcessId    string
	FromVersion  int32
	ToVersion    int32
	Instructions []MigrationInstruction
}

// Instruction returns the mapping for a source definition id, or nil
// when the plan has none (meaning: delete).
func (p *MigrationPlan) Instruction(fromDefinitionId string) *MigrationInstruction {
	for i := range p.Instructions {
		if p.Instructions[i].FromDefinitionId == fromDefinitionId {
			return &p.Instructions[i]
		}
	}
	return nil
}
