package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPolicySync reconciles policy state of one or every organization.
	TaskPolicySync = "policy:sync"

	// AllTenants asks the sync job to walk every organization.
	AllTenants = "all"

	policySyncTimeout = 5 * time.Minute
)

// PolicySyncPayload scopes a policy sync run.
type PolicySyncPayload struct {
	TenantID string `json:"tenant_id"`
}

// NewPolicySyncTask constructs an Asynq task. An empty tenant means every organization.
func NewPolicySyncTask(tenantID string) (*asynq.Task, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = AllTenants
	}
	data, err := json.Marshal(PolicySyncPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPolicySync, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(policySyncTimeout),
	), nil
}
