package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// DeployDefinition registers a process definition. Deployments are
// idempotent on the structural checksum: re-deploying an unchanged
// definition returns the already deployed version, a changed one gets
// the next version number.
func (engine *Engine) DeployDefinition(ctx context.Context, def runtime.ProcessDefinition) (runtime.ProcessDefinition, error) {
	ctx, span := engine.tracer.Start(ctx, "DeployDefinition")
	defer span.End()

	if def.ProcessId == "" {
		return runtime.ProcessDefinition{}, newInvalidInputErrorf("process definition has no process id")
	}
	if len(def.Activities) == 0 {
		return runtime.ProcessDefinition{}, newInvalidInputErrorf("process definition %s has no activities", def.ProcessId)
	}
	if err := validateDefinition(&def); err != nil {
		return runtime.ProcessDefinition{}, err
	}
	checksum, err := definitionChecksum(&def)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}

	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, def.ProcessId)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		def.Version = 1
	case err != nil:
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to load latest definition of %s: %w", def.ProcessId, err)
	case latest.Checksum == checksum:
		return latest, nil
	default:
		def.Version = latest.Version + 1
	}

	def.Key = engine.generateKey()
	def.Checksum = checksum
	def.CreatedAt = nowFunc()
	if err := engine.persistence.SaveProcessDefinition(ctx, def); err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to save definition %s: %w", def.ProcessId, err)
	}
	engine.logger.Info("deployed process definition",
		"processId", def.ProcessId, "version", def.Version, "key", def.Key)
	return def, nil
}

// SuspendDefinition blocks new instances of every version of the
// process id. Running instances keep going.
func (engine *Engine) SuspendDefinition(ctx context.Context, processId string) error {
	return engine.setDefinitionSuspended(ctx, processId, true)
}

// ResumeDefinition lifts a definition suspension.
func (engine *Engine) ResumeDefinition(ctx context.Context, processId string) error {
	return engine.setDefinitionSuspended(ctx, processId, false)
}

func (engine *Engine) setDefinitionSuspended(ctx context.Context, processId string, suspended bool) error {
	defs, err := engine.persistence.FindProcessDefinitionsById(ctx, processId)
	if err != nil {
		return fmt.Errorf("failed to load definitions of %s: %w", processId, err)
	}
	if len(defs) == 0 {
		return newInvalidInputErrorf("no definition deployed for process id %s", processId)
	}
	for _, def := range defs {
		if def.Suspended == suspended {
			continue
		}
		def.Suspended = suspended
		if err := engine.persistence.SaveProcessDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to save definition %s v%d: %w", processId, def.Version, err)
		}
		engine.definitions.Remove(def.Key)
	}
	return nil
}

// definitionChecksum hashes the structural content of a definition:
// the activity graph and the declared messages, errors and escalations.
// Version, key and timestamps stay out, they differ per deployment.
func definitionChecksum(def *runtime.ProcessDefinition) (string, error) {
	payload, err := json.Marshal(struct {
		ProcessId   string
		Activities  []runtime.ActivityDefinition
		Messages    []runtime.Message
		Errors      []runtime.ProcessError
		Escalations []runtime.Escalation
	}{def.ProcessId, def.Activities, def.Messages, def.Errors, def.Escalations})
	if err != nil {
		return "", fmt.Errorf("failed to hash definition %s: %w", def.ProcessId, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func validateDefinition(def *runtime.ProcessDefinition) error {
	seen := map[string]bool{}
	for i := range def.Activities {
		a := &def.Activities[i]
		if a.Id == "" {
			return newInvalidInputErrorf("definition %s contains an activity without id", def.ProcessId)
		}
		if seen[a.Id] {
			return newInvalidInputErrorf("definition %s declares activity %s twice", def.ProcessId, a.Id)
		}
		seen[a.Id] = true
	}
	for i := range def.Activities {
		a := &def.Activities[i]
		for _, out := range a.Outgoing {
			if !seen[out] {
				return newInvalidInputErrorf("activity %s flows to unknown activity %s", a.Id, out)
			}
		}
		if a.ParentId != "" && !seen[a.ParentId] {
			return newInvalidInputErrorf("activity %s references unknown parent %s", a.Id, a.ParentId)
		}
		if a.Type == runtime.ActivityTypeBoundaryEvent && !seen[a.AttachedToId] {
			return newInvalidInputErrorf("boundary event %s is attached to unknown activity %s", a.Id, a.AttachedToId)
		}
	}
	if len(def.StartActivities()) == 0 {
		return newInvalidInputErrorf("definition %s has no none start event", def.ProcessId)
	}
	return nil
}
