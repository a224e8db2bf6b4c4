package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/jobs"
)

// syncWindow collapses repeated sync requests for one tenant while the
// first is still waiting in the queue.
const syncWindow = 10 * time.Minute

// ErrSyncPending is returned when the tenant already has a sync queued.
var ErrSyncPending = errors.New("policy sync already queued")

// SyncCLI lets operators queue and inspect policy sync runs.
type SyncCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewSyncCLI connects to the asynq Redis instance at redisAddr.
func NewSyncCLI(redisAddr string) *SyncCLI {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &SyncCLI{client: asynq.NewClient(opt), inspector: asynq.NewInspector(opt)}
}

func (c *SyncCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Enqueue queues a policy sync for tenantID, or for every organization when
// tenantID is empty.
func (c *SyncCLI) Enqueue(ctx context.Context, tenantID string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("sync cli: client not configured")
	}
	task, err := jobs.NewPolicySyncTask(tenantID)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.Unique(syncWindow))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, ErrSyncPending
	}
	return info, err
}

// QueueStats summarises the queue policy syncs run on.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
	FailedDay int
}

func (s QueueStats) String() string {
	return fmt.Sprintf("%s pending=%d active=%d scheduled=%d retry=%d archived=%d failed_today=%d",
		s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived, s.FailedDay)
}

// Stats reads the queue counters.
func (c *SyncCLI) Stats(context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("sync cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		FailedDay: info.Failed,
	}, nil
}

// PendingSync is a policy sync waiting to run.
type PendingSync struct {
	ID       string
	TenantID string
	State    string
	RunAt    time.Time
}

// Pending lists up to size queued and scheduled policy syncs.
func (c *SyncCLI) Pending(_ context.Context, size int) ([]PendingSync, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("sync cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	queued, err := c.inspector.ListPendingTasks(jobs.QueueDefault, asynq.PageSize(size))
	if err != nil {
		return nil, err
	}
	scheduled, err := c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size))
	if err != nil {
		return nil, err
	}
	return pendingSyncs(append(queued, scheduled...)), nil
}

// pendingSyncs keeps the policy sync tasks of infos. Scheduled tasks carry
// their next run time; queued ones run as soon as a worker is free.
func pendingSyncs(infos []*asynq.TaskInfo) []PendingSync {
	out := make([]PendingSync, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != jobs.TaskPolicySync {
			continue
		}
		var payload jobs.PolicySyncPayload
		if err := json.Unmarshal(info.Payload, &payload); err != nil || payload.TenantID == "" {
			payload.TenantID = jobs.AllTenants
		}
		out = append(out, PendingSync{
			ID:       info.ID,
			TenantID: payload.TenantID,
			State:    info.State.String(),
			RunAt:    info.NextProcessAt,
		})
	}
	return out
}
