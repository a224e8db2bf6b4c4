package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

const policySyncJob = "policy_sync"

// PolicySyncer is the slice of the policy engine the job drives.
type PolicySyncer interface {
	Name() string
	SyncPolicies(ctx context.Context, tenantID string) (bool, error)
}

// TenantLister enumerates organizations holding roles or assignments.
type TenantLister interface {
	ListOrganizations(ctx context.Context) ([]string, error)
}

// PolicySyncJob reconciles the policy engine with the role and assignment stores.
type PolicySyncJob struct {
	Engine  PolicySyncer
	Tenants TenantLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPolicySyncJob constructs the job handler.
func NewPolicySyncJob(engine PolicySyncer, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *PolicySyncJob {
	return &PolicySyncJob{Engine: engine, Tenants: tenants, Logger: logger, Metrics: metrics}
}

// Handle executes the policy sync job.
func (j *PolicySyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("policy sync: dependencies not configured")
	}
	var payload PolicySyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.Run(ctx, payload.TenantID)
}

// Run syncs tenantID, or every organization for AllTenants. A failing tenant
// does not stop the others; the first error is returned so the task retries.
func (j *PolicySyncJob) Run(ctx context.Context, tenantID string) (err error) {
	tracker := j.Metrics.Track(policySyncJob)
	defer func() {
		err = tracker.End(err)
	}()

	tenants := []string{tenantID}
	if tenantID == "" || tenantID == AllTenants {
		if j.Tenants == nil {
			return errors.New("policy sync: tenant lister not configured")
		}
		tenants, err = j.Tenants.ListOrganizations(ctx)
		if err != nil {
			j.log().Error("list organizations", slog.Any("error", err))
			return err
		}
	}

	synced := 0
	var firstErr error
	for _, tenant := range tenants {
		if _, syncErr := j.Engine.SyncPolicies(ctx, tenant); syncErr != nil {
			j.log().Error("sync tenant policies",
				slog.String("engine", j.Engine.Name()),
				slog.String("org_id", tenant),
				slog.Any("error", syncErr))
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s: %w", tenant, syncErr)
			}
			continue
		}
		synced++
	}
	j.Metrics.AddTenantsSynced(j.Engine.Name(), synced)
	j.log().Info("policy sync completed",
		slog.String("engine", j.Engine.Name()),
		slog.Int("tenants", len(tenants)),
		slog.Int("synced", synced))
	return firstErr
}

func (j *PolicySyncJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
