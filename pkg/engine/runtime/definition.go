package runtime

import (
	"time"
)

// ActivityType is the closed set of node types a definition graph may contain.
type ActivityType string

const (
	// tasks
	ActivityTypeServiceTask ActivityType = "SERVICE_TASK"
	ActivityTypeScriptTask  ActivityType = "SCRIPT_TASK"
	ActivityTypeUserTask    ActivityType = "USER_TASK"
	ActivityTypeSendTask    ActivityType = "SEND_TASK"

	// gateways
	ActivityTypeExclusiveGateway  ActivityType = "EXCLUSIVE_GATEWAY"
	ActivityTypeParallelGateway   ActivityType = "PARALLEL_GATEWAY"
	ActivityTypeInclusiveGateway  ActivityType = "INCLUSIVE_GATEWAY"
	ActivityTypeEventBasedGateway ActivityType = "EVENT_BASED_GATEWAY"

	// events
	ActivityTypeStartEvent             ActivityType = "START_EVENT"
	ActivityTypeEndEvent               ActivityType = "END_EVENT"
	ActivityTypeBoundaryEvent          ActivityType = "BOUNDARY_EVENT"
	ActivityTypeIntermediateCatchEvent ActivityType = "INTERMEDIATE_CATCH_EVENT"
	ActivityTypeIntermediateThrowEvent ActivityType = "INTERMEDIATE_THROW_EVENT"

	// subprocesses
	ActivityTypeSubProcess   ActivityType = "SUB_PROCESS"
	ActivityTypeCallActivity ActivityType = "CALL_ACTIVITY"
)

// EventKind narrows event-typed activities (start, end, boundary,
// intermediate) to the event definition they carry.
type EventKind string

const (
	EventKindNone       EventKind = "NONE"
	EventKindTimer      EventKind = "TIMER"
	EventKindMessage    EventKind = "MESSAGE"
	EventKindError      EventKind = "ERROR"
	EventKindEscalation EventKind = "ESCALATION"
	EventKindLink       EventKind = "LINK"
	EventKindTerminate  EventKind = "TERMINATE"
)

// ActivityDefinition is one node of the immutable definition graph.
// It is built by the (external) definition extractor and never mutated
// after deployment. Variant payload fields are only meaningful for the
// Type/EventKind combination that declares them.
type ActivityDefinition struct {
	Id       string
	ParentId string // enclosing sub-process id, empty at process level
	Name     string
	Type     ActivityType

	Incoming []string // flow-node ids whose outgoing flow targets this node
	Outgoing []string // flow-node ids this node transitions to

	Inputs  map[string]string // input mappings, target variable -> expression
	Outputs map[string]string // output mappings, target variable -> expression

	// gateway payload
	Conditions  map[string]string // outgoing id -> condition expression
	DefaultFlow string            // taken when no condition matches

	// task payload
	Topic        string // external worker topic of a service task
	Script       string // script task source
	ScriptResult string // variable name receiving the script result
	Retries      *int32 // per-definition retry budget override
	Timeout      string // per-definition timeout override, ISO-8601 duration

	// event payload
	EventKind       EventKind
	ErrorCode       string
	EscalationCode  string
	MessageRef      string
	TimerExpression string // ISO-8601 duration
	LinkName        string
	AttachedToId    string // boundary events: the observed activity
	CancelActivity  bool   // boundary events: interrupt the observed activity
	Interrupting    bool   // event-subprocess start events

	// call activity payload
	CalledElement string // process id of the spawned child, may be an expression
}

// Interrupts reports whether the handler tears its scope down when it
// fires: an interrupting boundary event or an interrupting
// event-sub-process start event.
func (d *ActivityDefinition) Interrupts() bool {
	switch d.Type {
	case ActivityTypeBoundaryEvent:
		return d.CancelActivity
	case ActivityTypeStartEvent:
		return d.Interrupting
	}
	return false
}

// IsCatchEvent reports whether the node waits for an external trigger.
func (d *ActivityDefinition) IsCatchEvent() bool {
	switch d.Type {
	case ActivityTypeBoundaryEvent, ActivityTypeIntermediateCatchEvent:
		return true
	case ActivityTypeStartEvent:
		return d.EventKind != EventKindNone
	}
	return false
}

// Message is a message declared by the definition.
type Message struct {
	Id   string
	Name string
}

// ProcessError is an error code declared by the definition.
type ProcessError struct {
	Id   string
	Name string
	Code string
}

// Escalation is an escalation code declared by the definition.
type Escalation struct {
	Id   string
	Name string
	Code string
}

// ProcessDefinition is one deployed version of a process. The activity
// list is flat; hierarchy is encoded through ActivityDefinition.ParentId.
type ProcessDefinition struct {
	Key         int64  // engine key of this version
	ProcessId   string // logical definition id, stable across versions
	Version     int32  // monotonically increasing per ProcessId
	Activities  []ActivityDefinition
	Messages    []Message
	Errors      []ProcessError
	Escalations []Escalation
	Suspended   bool
	Checksum    string // structural schema checksum, drives idempotent upserts
	CreatedAt   time.Time
}

// ActivityById returns the definition node with the given id, or nil.
func (d *ProcessDefinition) ActivityById(id string) *ActivityDefinition {
	for i := range d.Activities {
		if d.Activities[i].Id == id {
			return &d.Activities[i]
		}
	}
	return nil
}

// StartActivities returns the none start events at process level. Event
// start events (message, timer, escalation, error) and event-subprocess
// starts are excluded: those only run when triggered.
func (d *ProcessDefinition) StartActivities() []*ActivityDefinition {
	var starts []*ActivityDefinition
	for i := range d.Activities {
		a := &d.Activities[i]
		if a.Type == ActivityTypeStartEvent && a.ParentId == "" && a.EventKind == EventKindNone {
			starts = append(starts, a)
		}
	}
	return starts
}

// BoundaryEventsFor returns the boundary events attached to the given
// activity definition id.
func (d *ProcessDefinition) BoundaryEventsFor(activityId string) []*ActivityDefinition {
	var events []*ActivityDefinition
	for i := range d.Activities {
		a := &d.Activities[i]
		if a.Type == ActivityTypeBoundaryEvent && a.AttachedToId == activityId {
			events = append(events, a)
		}
	}
	return events
}

// EventSubProcessStartsFor returns the event start events of event
// sub-processes declared directly inside the given scope. These starts
// are never reached by sequence flow; they fire when an error or
// escalation is thrown within their scope.
func (d *ProcessDefinition) EventSubProcessStartsFor(scopeId string) []*ActivityDefinition {
	var starts []*ActivityDefinition
	for i := range d.Activities {
		a := &d.Activities[i]
		if a.Type != ActivityTypeStartEvent || a.EventKind == EventKindNone {
			continue
		}
		host := d.ActivityById(a.ParentId)
		if host == nil || host.Type != ActivityTypeSubProcess || host.ParentId != scopeId {
			continue
		}
		starts = append(starts, a)
	}
	return starts
}

// ChildrenOf returns the direct children of a sub-process scope.
func (d *ProcessDefinition) ChildrenOf(scopeId string) []*ActivityDefinition {
	var children []*ActivityDefinition
	for i := range d.Activities {
		if d.Activities[i].ParentId == scopeId {
			children = append(children, &d.Activities[i])
		}
	}
	return children
}

// ScopeChain returns the ordered chain of enclosing scope ids for the
// activity, innermost first, ending with the process scope (empty id).
// The chain is used for variable resolution and escalation handler lookup.
func (d *ProcessDefinition) ScopeChain(activityId string) []string {
	chain := []string{}
	a := d.ActivityById(activityId)
	if a == nil {
		return append(chain, "")
	}
	// boundary events belong to the scope of the activity they observe
	if a.Type == ActivityTypeBoundaryEvent && a.AttachedToId != "" {
		a = d.ActivityById(a.AttachedToId)
		if a == nil {
			return append(chain, "")
		}
	}
	for parent := a.ParentId; parent != ""; {
		chain = append(chain, parent)
		p := d.ActivityById(parent)
		if p == nil {
			break
		}
		parent = p.ParentId
	}
	return append(chain, "")
}

// PreviousActivities returns the definitions feeding into the activity.
func (d *ProcessDefinition) PreviousActivities(activityId string) []*ActivityDefinition {
	a := d.ActivityById(activityId)
	if a == nil {
		return nil
	}
	var prev []*ActivityDefinition
	for _, id := range a.Incoming {
		if p := d.ActivityById(id); p != nil {
			prev = append(prev, p)
		}
	}
	return prev
}

// NextActivities returns the definitions the activity transitions to.
func (d *ProcessDefinition) NextActivities(activityId string) []*ActivityDefinition {
	a := d.ActivityById(activityId)
	if a == nil {
		return nil
	}
	var next []*ActivityDefinition
	for _, id := range a.Outgoing {
		if n := d.ActivityById(id); n != nil {
			next = append(next, n)
		}
	}
	return next
}
