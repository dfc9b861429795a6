package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/ptr"
)

func TestResolveRetriesPrecedence(t *testing.T) {
	conf := PolicyConfig{
		Processes: map[string]ProcessPolicies{
			"billing": {
				Default: ActivityPolicy{Retries: ptr.To(int32(5))},
				Topics: map[string]ActivityPolicy{
					"charge": {Retries: ptr.To(int32(3))},
				},
			},
		},
	}

	tests := []struct {
		name      string
		def       runtime.ActivityDefinition
		processId string
		want      int32
	}{
		{
			name:      "definition override wins over everything",
			def:       runtime.ActivityDefinition{Id: "a", Topic: "charge", Retries: ptr.To(int32(7))},
			processId: "billing",
			want:      7,
		},
		{
			name:      "topic config beats process default",
			def:       runtime.ActivityDefinition{Id: "a", Topic: "charge"},
			processId: "billing",
			want:      3,
		},
		{
			name:      "process default covers unknown topics",
			def:       runtime.ActivityDefinition{Id: "a", Topic: "refund"},
			processId: "billing",
			want:      5,
		},
		{
			name:      "global default without any config",
			def:       runtime.ActivityDefinition{Id: "a", Topic: "charge"},
			processId: "unknown",
			want:      0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conf.ResolveRetries(&tt.def, tt.processId))
		})
	}
}

func TestResolveTimeoutPrecedence(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	conf := PolicyConfig{
		Processes: map[string]ProcessPolicies{
			"billing": {
				Default: ActivityPolicy{Timeout: "PT30M"},
				Topics: map[string]ActivityPolicy{
					"charge": {Timeout: "PT5M"},
				},
			},
		},
	}

	// definition override
	deadline, err := conf.ResolveTimeout(&runtime.ActivityDefinition{Id: "a", Topic: "charge", Timeout: "PT1M"}, "billing", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), deadline)

	// topic config
	deadline, err = conf.ResolveTimeout(&runtime.ActivityDefinition{Id: "a", Topic: "charge"}, "billing", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), deadline)

	// process default
	deadline, err = conf.ResolveTimeout(&runtime.ActivityDefinition{Id: "a", Topic: "refund"}, "billing", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), deadline)

	// global default of one hour
	deadline, err = conf.ResolveTimeout(&runtime.ActivityDefinition{Id: "a", Topic: "charge"}, "unknown", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), deadline)
}

func TestResolveTimeoutRejectsMalformedDuration(t *testing.T) {
	conf := DefaultPolicyConfig()
	_, err := conf.ResolveTimeout(&runtime.ActivityDefinition{Id: "a", Timeout: "10 minutes"}, "p", time.Now())
	assert.Error(t, err)
}
