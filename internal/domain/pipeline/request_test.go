package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ScanRequest {
	return ScanRequest{
		AppID:     "billing",
		Component: "api",
		BuildID:   "42",
		Tool:      ToolKindSecrets,
		OriginURL: "https://git.example.com/billing/api.git",
	}
}

func TestScanRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*ScanRequest)
		wantErr string
	}{
		{"valid", func(*ScanRequest) {}, ""},
		{"missing app id", func(r *ScanRequest) { r.AppID = "" }, "app id"},
		{"missing component", func(r *ScanRequest) { r.Component = "" }, "component"},
		{"missing build id", func(r *ScanRequest) { r.BuildID = "" }, "build id"},
		{"missing tool", func(r *ScanRequest) { r.Tool = "" }, "tool"},
		{"missing origin", func(r *ScanRequest) { r.OriginURL = "" }, "origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScanRequest_RunID(t *testing.T) {
	t.Parallel()

	req := validRequest()
	assert.Equal(t, "billing-api-42-secrets", req.RunID())

	// The identity is a pure function of the tuple.
	again := validRequest()
	again.Priority = PriorityHigh
	again.EstimatedSourceBytes = 1 << 30
	assert.Equal(t, req.RunID(), again.RunID())

	// Any tuple element changing changes the identity.
	other := validRequest()
	other.Tool = ToolKindDependency
	assert.NotEqual(t, req.RunID(), other.RunID())
}

func TestRestartRunID(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got := RestartRunID("billing-api-42-secrets", at)
	assert.Equal(t, "billing-api-42-secrets-restart-1748779200", got)
}

func TestScanRequest_WorkspacePath(t *testing.T) {
	t.Parallel()

	req := validRequest()
	assert.Equal(t, "/mnt/scans/billing-api-42-secrets", req.WorkspacePath("/mnt/scans"))
	assert.Equal(t, "/mnt/scans/billing-api-42-secrets", req.WorkspacePath("/mnt/scans/"))
}

func TestScanRequest_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	req := validRequest()
	req.Ref = "v1.2.3"
	req.CloneStrategy = CloneStrategySparse
	req.SparsePaths = []string{"services/api"}
	req.ScanTimeout = 20 * time.Minute

	b, err := req.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalScanRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	// Re-marshaling the decoded request yields the same bytes, which is what
	// lets a restarted run carry the input forward verbatim.
	b2, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestUnmarshalScanRequest_Invalid(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalScanRequest([]byte("not json"))
	require.Error(t, err)
}
