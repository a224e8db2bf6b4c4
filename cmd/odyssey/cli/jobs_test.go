package cli

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/jobs"
)

func TestSyncCLIRequiresConnections(t *testing.T) {
	var c *SyncCLI
	_, err := c.Enqueue(context.Background(), "org-1")
	require.Error(t, err)

	_, err = (&SyncCLI{}).Stats(context.Background())
	assert.Error(t, err)
	_, err = (&SyncCLI{}).Pending(context.Background(), 5)
	assert.Error(t, err)
	assert.NoError(t, (&SyncCLI{}).Close())
}

func TestPendingSyncsKeepsPolicySyncTasks(t *testing.T) {
	runAt := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	infos := []*asynq.TaskInfo{
		{ID: "t1", Type: jobs.TaskPolicySync, Payload: []byte(`{"tenant_id":"org-1"}`), State: asynq.TaskStatePending},
		{ID: "t2", Type: "email:send", Payload: []byte(`{}`), State: asynq.TaskStatePending},
		{ID: "t3", Type: jobs.TaskPolicySync, Payload: []byte(`not json`), State: asynq.TaskStateScheduled, NextProcessAt: runAt},
		nil,
	}

	assert.Equal(t, []PendingSync{
		{ID: "t1", TenantID: "org-1", State: "pending"},
		{ID: "t3", TenantID: jobs.AllTenants, State: "scheduled", RunAt: runAt},
	}, pendingSyncs(infos))
}

func TestQueueStatsString(t *testing.T) {
	stats := QueueStats{Queue: jobs.QueueDefault, Pending: 2, Retry: 1, FailedDay: 3}
	assert.Equal(t, "default pending=2 active=0 scheduled=0 retry=1 archived=0 failed_today=3", stats.String())
}
