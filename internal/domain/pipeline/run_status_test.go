package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_IsValidTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  RunStatus
		to    RunStatus
		valid bool
	}{
		{"pending to provisioning", RunStatusPending, RunStatusProvisioning, true},
		{"provisioning to scanning", RunStatusProvisioning, RunStatusScanning, true},
		{"scanning to persisting", RunStatusScanning, RunStatusPersisting, true},
		{"persisting to reclaiming", RunStatusPersisting, RunStatusReclaiming, true},
		{"persisting to completed skips reclaim", RunStatusPersisting, RunStatusCompleted, true},
		{"reclaiming to completed", RunStatusReclaiming, RunStatusCompleted, true},

		{"pending to failed", RunStatusPending, RunStatusFailed, true},
		{"provisioning to failed", RunStatusProvisioning, RunStatusFailed, true},
		{"scanning to failed", RunStatusScanning, RunStatusFailed, true},
		{"persisting to failed", RunStatusPersisting, RunStatusFailed, true},
		{"reclaiming to failed", RunStatusReclaiming, RunStatusFailed, true},

		{"no skipping provisioning", RunStatusPending, RunStatusScanning, false},
		{"no skipping scanning", RunStatusProvisioning, RunStatusPersisting, false},
		{"no completing mid-scan", RunStatusScanning, RunStatusCompleted, false},
		{"no going backwards", RunStatusScanning, RunStatusProvisioning, false},
		{"completed is terminal", RunStatusCompleted, RunStatusReclaiming, false},
		{"failed is terminal", RunStatusFailed, RunStatusPending, false},
		{"failed cannot complete", RunStatusFailed, RunStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.valid, tt.from.isValidTransition(tt.to))
			if tt.valid {
				assert.NoError(t, tt.from.validateTransition(tt.to))
			} else {
				assert.Error(t, tt.from.validateTransition(tt.to))
			}
		})
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())

	for _, s := range []RunStatus{
		RunStatusPending, RunStatusProvisioning, RunStatusScanning,
		RunStatusPersisting, RunStatusReclaiming, RunStatusUnspecified,
	} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

func TestParseRunStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []RunStatus{
		RunStatusPending, RunStatusProvisioning, RunStatusScanning,
		RunStatusPersisting, RunStatusReclaiming, RunStatusCompleted, RunStatusFailed,
	} {
		assert.Equal(t, s, ParseRunStatus(s.String()))
	}
	assert.Equal(t, RunStatusUnspecified, ParseRunStatus("nonsense"))
}
