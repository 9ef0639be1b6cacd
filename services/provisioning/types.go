package provisioning

import (
	"time"

	"metalhub/services/inventory"
)

// Status is a Provision state.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusSyncImage           Status = "PROVISIONING_SYNC_IMAGE"
	StatusDeployHost          Status = "PROVISIONING_DEPLOY_HOST"
	StatusActive              Status = "ACTIVE"
	StatusEnding              Status = "PROVISIONING_ENDING"
	StatusReturningHost       Status = "RETURNING_HOST"
	StatusFinished            Status = "FINISHED"
	StatusFailedSyncImage     Status = "FAILED_PROVISIONING_SYNC_IMAGE"
	StatusFailedDeployHost    Status = "FAILED_PROVISIONING_DEPLOY_HOST"
	StatusFailedReturningHost Status = "FAILED_RETURNING_HOST"
)

// Terminal reports whether no task drives s any further on its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailedSyncImage, StatusFailedDeployHost, StatusFailedReturningHost:
		return true
	}
	return false
}

// Provision is one attempt to deploy an Image onto a Host.
type Provision struct {
	ID                       int64                  `json:"id"`
	Description              string                 `json:"description,omitempty"`
	Type                     inventory.ArtifactType `json:"type"`
	BootType                 inventory.BootType     `json:"boot_type"`
	Status                   Status                 `json:"status"`
	HostID                   int64                  `json:"host_id"`
	ImageID                  int64                  `json:"image_id"`
	RootGB                   int                    `json:"root_gb"`
	Kickstart                string                 `json:"kickstart,omitempty"`
	LogsPath                 string                 `json:"logs_path,omitempty"`
	LastError                string                 `json:"last_error,omitempty"`
	HostReservationExpiresAt *time.Time             `json:"host_reservation_expires_at,omitempty"`
	Version                  int64                  `json:"version"`
	CreatedAt                time.Time              `json:"created_at"`
	UpdatedAt                time.Time              `json:"updated_at"`
}

// Request is the input to Engine.Create. Kickstart applies to ISO images
// only; an empty one selects the built-in template.
type Request struct {
	Description string `json:"description,omitempty"`
	HostID      int64  `json:"host_id"`
	ImageID     int64  `json:"image_id"`
	RootGB      int    `json:"root_gb,omitempty"`
	Kickstart   string `json:"kickstart,omitempty"`
}

// Background task names owned by the engine.
const (
	TaskStart       = "provision.start"
	TaskDeploy      = "provision.deploy"
	TaskStop        = "provision.stop"
	TaskExpireSweep = "provisions.expire_sweep"
)

// TaskArgs is the payload of the per-provision tasks.
type TaskArgs struct {
	ProvisionID int64 `json:"provision_id"`
}
