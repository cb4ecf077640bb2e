package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

func TestLaneRouter_Route(t *testing.T) {
	t.Parallel()

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	router := NewLaneRouter(log, domain.Lane("gpu"))

	tests := []struct {
		name string
		req  domain.ScanRequest
		want domain.Lane
	}{
		{
			name: "plain request routes to default",
			req:  domain.ScanRequest{},
			want: domain.LaneDefault,
		},
		{
			name: "high priority routes to priority lane",
			req:  domain.ScanRequest{Priority: domain.PriorityHigh},
			want: domain.LanePriority,
		},
		{
			name: "long scan timeout routes to long-running lane",
			req:  domain.ScanRequest{ScanTimeout: 45 * time.Minute},
			want: domain.LaneLongRunning,
		},
		{
			name: "long run timeout routes to long-running lane",
			req:  domain.ScanRequest{RunTimeout: 2 * time.Hour},
			want: domain.LaneLongRunning,
		},
		{
			name: "timeouts at the threshold stay on default",
			req:  domain.ScanRequest{ScanTimeout: 30 * time.Minute, RunTimeout: 60 * time.Minute},
			want: domain.LaneDefault,
		},
		{
			name: "override beats priority and timeout",
			req:  domain.ScanRequest{LaneOverride: "default", Priority: domain.PriorityHigh, ScanTimeout: 3700 * time.Second},
			want: domain.LaneDefault,
		},
		{
			name: "registered extra lane is honored",
			req:  domain.ScanRequest{LaneOverride: "gpu"},
			want: domain.Lane("gpu"),
		},
		{
			name: "unknown override is ignored",
			req:  domain.ScanRequest{LaneOverride: "no-such-lane", Priority: domain.PriorityHigh},
			want: domain.LanePriority,
		},
		{
			name: "unknown override on a plain request falls through to default",
			req:  domain.ScanRequest{LaneOverride: "no-such-lane"},
			want: domain.LaneDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, router.Route(context.Background(), tt.req))
		})
	}
}

func TestLaneRouter_Route_LogsRejectedOverride(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	router := NewLaneRouter(logger.New(&buf, logger.LevelDebug, "test", nil))

	lane := router.Route(context.Background(), domain.ScanRequest{
		AppID: "billing", Component: "api", BuildID: "42", Tool: domain.ToolKindSecrets,
		LaneOverride: "no-such-lane",
	})

	assert.Equal(t, domain.LaneDefault, lane)
	assert.Contains(t, buf.String(), "Rejected lane override")
	assert.Contains(t, buf.String(), "no-such-lane")
}
