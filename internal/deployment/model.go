package deployment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// legalTransitions encodes the state machine. running, failed, and
// stopped are terminal except for running → stopped and running →
// failed (endpoint loss observed by the prober).
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusDeploying, StatusFailed, StatusStopped},
	StatusDeploying: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:   {StatusStopped, StatusFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further pipeline work happens in s.
func (s Status) Terminal() bool {
	return s == StatusRunning || s == StatusFailed || s == StatusStopped
}

// BuildStrategyName selects how container images get built.
type BuildStrategyName string

const (
	BuildCIDriven    BuildStrategyName = "ci_driven"
	BuildHostedBuild BuildStrategyName = "hosted_build"
)

// DeployStrategyName selects the target platform.
type DeployStrategyName string

const (
	DeployServerless DeployStrategyName = "serverless"
	DeployCluster    DeployStrategyName = "cluster"
)

// Metadata keys used as resumption markers. A worker that re-leases a
// deployment after a crash re-attaches to external resources through
// these instead of creating duplicates.
const (
	MetaBuildJobID          = "build_job_id"
	MetaImageTag            = "image_tag"
	MetaPlatformServiceName = "platform_service_name"
)

// Deployment is a durable record of one attempt to run an agent
// version. endpoint_url is set only in running; stopped_at only in
// stopped.
type Deployment struct {
	ID              uuid.UUID          `json:"id"                      db:"id"`
	OwnerID         uuid.UUID          `json:"owner_id"                db:"owner_id"`
	AgentID         uuid.UUID          `json:"agent_id"                db:"agent_id"`
	AgentVersionID  uuid.UUID          `json:"agent_version_id"        db:"agent_version_id"`
	Status          Status             `json:"status"                  db:"status"`
	EndpointURL     string             `json:"endpoint_url,omitempty"  db:"endpoint_url"`
	Metadata        map[string]string  `json:"metadata"                db:"metadata"`
	ErrorMessage    string             `json:"error_message,omitempty" db:"error_message"`
	BuildStrategy   BuildStrategyName  `json:"build_strategy"          db:"build_strategy"`
	DeployStrategy  DeployStrategyName `json:"deploy_strategy"         db:"deploy_strategy"`
	CancelRequested bool               `json:"cancel_requested"        db:"cancel_requested"`
	DeployedAt      *time.Time         `json:"deployed_at,omitempty"   db:"deployed_at"`
	StoppedAt       *time.Time         `json:"stopped_at,omitempty"    db:"stopped_at"`
	CreatedAt       time.Time          `json:"created_at"              db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"              db:"updated_at"`
}

// ServiceName is the deterministic platform-side name for this
// deployment. It doubles as the idempotency key for external creates.
func (d *Deployment) ServiceName() string {
	return "agent-runtime-" + d.ID.String()
}

// Transition is one entry in the durable transition log.
type Transition struct {
	ID           int64     `json:"id"            db:"id"`
	DeploymentID uuid.UUID `json:"deployment_id" db:"deployment_id"`
	FromStatus   Status    `json:"from_status"   db:"from_status"`
	ToStatus     Status    `json:"to_status"     db:"to_status"`
	Detail       string    `json:"detail"        db:"detail"`
	At           time.Time `json:"at"            db:"at"`
}

// CreateDeploymentRequest is the payload for starting a deployment.
// Strategy fields default to the service configuration when empty.
type CreateDeploymentRequest struct {
	AgentID        uuid.UUID          `json:"agent_id"         binding:"required"`
	AgentVersionID uuid.UUID          `json:"agent_version_id" binding:"required"`
	BuildStrategy  BuildStrategyName  `json:"build_strategy"`
	DeployStrategy DeployStrategyName `json:"deploy_strategy"`
}

// ListFilter narrows ListDeployments results.
type ListFilter struct {
	AgentID uuid.UUID
	Status  Status
}

// Page is the paging window for list operations.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Clamp normalizes the page to the configured bounds.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
