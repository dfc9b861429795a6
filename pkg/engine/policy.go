package engine

import (
	"fmt"
	"time"

	"github.com/senseyeio/duration"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

const (
	defaultRetries = int32(0)
	defaultTimeout = "PT1H"
)

// ActivityPolicy is one level of the retry/timeout override hierarchy.
// Nil/empty fields defer to the next level.
type ActivityPolicy struct {
	Retries *int32 `yaml:"retries" json:"retries"`
	Timeout string `yaml:"timeout" json:"timeout"` // ISO-8601 duration
}

// ProcessPolicies configures one process definition key.
type ProcessPolicies struct {
	// Default applies to every external task of the process.
	Default ActivityPolicy `yaml:"default" json:"default"`
	// Topics overrides per worker topic, taking precedence over Default.
	Topics map[string]ActivityPolicy `yaml:"topics" json:"topics"`
}

// PolicyConfig resolves retry budgets and timeouts for external-task
// activities. Precedence, strict: definition override, per-topic
// config, process-wide config, global default (0 retries, 1 hour).
type PolicyConfig struct {
	Processes map[string]ProcessPolicies `yaml:"processes" json:"processes"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{Processes: map[string]ProcessPolicies{}}
}

// ResolveRetries returns the maximum retry budget for the activity.
func (c PolicyConfig) ResolveRetries(def *runtime.ActivityDefinition, processId string) int32 {
	if def.Retries != nil {
		return *def.Retries
	}
	if p, ok := c.Processes[processId]; ok {
		if t, ok := p.Topics[def.Topic]; ok && t.Retries != nil {
			return *t.Retries
		}
		if p.Default.Retries != nil {
			return *p.Default.Retries
		}
	}
	return defaultRetries
}

// ResolveTimeout resolves the relative timeout expression for the
// activity into an absolute deadline anchored at now. The deadline is
// fixed at schedule time and never re-evaluated.
func (c PolicyConfig) ResolveTimeout(def *runtime.ActivityDefinition, processId string, now time.Time) (time.Time, error) {
	expr := def.Timeout
	if expr == "" {
		if p, ok := c.Processes[processId]; ok {
			if t, ok := p.Topics[def.Topic]; ok && t.Timeout != "" {
				expr = t.Timeout
			} else if p.Default.Timeout != "" {
				expr = p.Default.Timeout
			}
		}
	}
	if expr == "" {
		expr = defaultTimeout
	}
	d, err := duration.ParseISO8601(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timeout duration %q for activity %s: %w", expr, def.Id, err)
	}
	return d.Shift(now), nil
}

// parseDuration resolves an ISO-8601 timer expression relative to now,
// shared by timer events.
func parseDuration(expr string, now time.Time) (time.Time, error) {
	d, err := duration.ParseISO8601(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timer duration %q: %w", expr, err)
	}
	return d.Shift(now), nil
}
