package engine

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// Escalations and errors resolve against the scope chain of the
// throwing activity, innermost scope first. The walk crosses from a
// child instance into its parent at the spawning call activity and
// continues up the call tree until a handler matches or the root scope
// is exhausted. Handlers are boundary events or event sub-process
// start events carrying the matching event kind; an exact code match
// beats a catch-all handler with no code, within the same scope.

// handlerMatch locates one resolved handler: the boundary event node
// and the instance hosting it.
type handlerMatch struct {
	process *runtime.Process
	handler *runtime.ActivityDefinition
	// sameInstance is true when the handler lives in the instance that
	// threw; cross-instance handlers always trigger asynchronously.
	sameInstance bool
}

// throwEscalation resolves the escalation code against the scope chain
// and triggers the matched handler. It reports whether the thrower's
// own outgoing flow must be suppressed, which is the case exactly when
// an interrupting handler tears the thrower's scope down.
func (engine *Engine) throwEscalation(ctx context.Context, ex *execution, code string, variables map[string]any) (suppress bool, err error) {
	match, err := engine.resolveHandler(ctx, ex, escalationMatcher(code))
	if err != nil {
		return false, err
	}
	if match == nil {
		// an uncaught escalation is not an error, the flow moves on
		engine.logger.Debug("escalation not handled",
			"processKey", ex.process.Key, "code", code)
		return false, nil
	}
	interrupting := match.handler.Interrupts()
	cmd := triggerActivityCommand{
		processKey:   match.process.Key,
		definitionId: match.handler.Id,
		variables:    variables,
	}
	if match.sameInstance && interrupting {
		if err := engine.bus.dispatch(ctx, cmd); err != nil {
			return false, err
		}
		return true, nil
	}
	engine.bus.dispatchAsync(ctx, cmd)
	// an interrupting handler in an ancestor instance takes that
	// instance down, not the thrower's branch
	return match.sameInstance && interrupting, nil
}

// throwError resolves the error code like an escalation, except error
// handlers always interrupt and an uncaught error raises the incident.
func (engine *Engine) throwError(ctx context.Context, ex *execution, code string) error {
	match, err := engine.resolveHandler(ctx, ex, errorMatcher(code))
	if err != nil {
		return err
	}
	if match == nil {
		engine.logger.Warn("error event not handled, raising incident",
			"processKey", ex.process.Key, "code", code)
		return engine.bus.dispatch(ctx, processIncidentCommand{processKey: ex.process.Key})
	}
	cmd := triggerActivityCommand{
		processKey:   match.process.Key,
		definitionId: match.handler.Id,
	}
	if match.sameInstance {
		return engine.bus.dispatch(ctx, cmd)
	}
	engine.bus.dispatchAsync(ctx, cmd)
	return nil
}

func escalationMatcher(code string) func(*runtime.ActivityDefinition) int {
	return eventMatcher(runtime.EventKindEscalation, code, func(d *runtime.ActivityDefinition) string {
		return d.EscalationCode
	})
}

func errorMatcher(code string) func(*runtime.ActivityDefinition) int {
	return eventMatcher(runtime.EventKindError, code, func(d *runtime.ActivityDefinition) string {
		return d.ErrorCode
	})
}

// eventMatcher ranks a candidate handler: 2 for an exact code match,
// 1 for a catch-all, 0 for no match.
func eventMatcher(kind runtime.EventKind, code string, codeOf func(*runtime.ActivityDefinition) string) func(*runtime.ActivityDefinition) int {
	return func(d *runtime.ActivityDefinition) int {
		if d.Type != runtime.ActivityTypeBoundaryEvent && d.Type != runtime.ActivityTypeStartEvent {
			return 0
		}
		if d.EventKind != kind {
			return 0
		}
		switch codeOf(d) {
		case code:
			return 2
		case "":
			return 1
		}
		return 0
	}
}

// resolveHandler walks the scope chain of the throwing activity,
// crossing call-activity boundaries upward until a handler matches.
func (engine *Engine) resolveHandler(ctx context.Context, ex *execution, rank func(*runtime.ActivityDefinition) int) (*handlerMatch, error) {
	process := ex.process
	def := ex.definition
	fromId := ex.activity.DefinitionId
	sameInstance := true

	for {
		for _, scopeId := range def.ScopeChain(fromId) {
			candidates := def.EventSubProcessStartsFor(scopeId)
			if scopeId != "" {
				candidates = append(candidates, def.BoundaryEventsFor(scopeId)...)
			}
			if h := bestHandler(candidates, rank); h != nil {
				return &handlerMatch{process: process, handler: h, sameInstance: sameInstance}, nil
			}
		}
		if !process.IsCallActivity() {
			return nil, nil
		}
		// cross into the parent at the spawning call activity
		spawner, err := engine.persistence.FindActivityByKey(ctx, *process.ParentActivityKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load spawning call activity %d: %w", *process.ParentActivityKey, err)
		}
		parent, err := engine.persistence.FindProcessByKey(ctx, *process.ParentProcessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent process %d: %w", *process.ParentProcessKey, err)
		}
		parentDef, err := engine.definition(ctx, parent.DefinitionKey)
		if err != nil {
			return nil, err
		}
		if h := bestHandler(parentDef.BoundaryEventsFor(spawner.DefinitionId), rank); h != nil {
			return &handlerMatch{process: &parent, handler: h, sameInstance: false}, nil
		}
		process = &parent
		def = parentDef
		fromId = spawner.DefinitionId
		sameInstance = false
	}
}

// interruptScope terminates every non-terminal activity of the scope,
// sparing the handler subtree that is about to run.
func (engine *Engine) interruptScope(ctx context.Context, ex *execution, scopeId string, spareId string) error {
	inScope := map[string]bool{}
	collectScopeIds(ex.definition, scopeId, inScope)
	spared := map[string]bool{spareId: true}
	collectScopeIds(ex.definition, spareId, spared)
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, ex.process.Key)
	if err != nil {
		return fmt.Errorf("failed to load activities of process %d: %w", ex.process.Key, err)
	}
	for _, a := range activities {
		if !inScope[a.DefinitionId] || spared[a.DefinitionId] || a.State.IsTerminal() {
			continue
		}
		err := engine.bus.dispatch(ctx, terminateActivityCommand{
			processKey:       ex.process.Key,
			activityKey:      a.Key,
			withInterruption: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func bestHandler(candidates []*runtime.ActivityDefinition, rank func(*runtime.ActivityDefinition) int) *runtime.ActivityDefinition {
	var best *runtime.ActivityDefinition
	bestRank := 0
	for _, c := range candidates {
		if r := rank(c); r > bestRank {
			best = c
			bestRank = r
		}
	}
	return best
}
