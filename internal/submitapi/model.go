package submitapi

import (
	"time"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

// Job is the submitter-side record of a submission. The queue row on the
// worker side references it through JobID; status callbacks keep the two in
// sync.
type Job struct {
	ID     int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID  string `gorm:"uniqueIndex;not null" json:"job_id"`
	UserID string `gorm:"index;not null" json:"user_id"`

	Application string `gorm:"not null" json:"application"`
	Version     string `gorm:"not null" json:"version"`
	Entrypoint  string `gorm:"not null" json:"entrypoint"`

	Environment *string `json:"environment"`
	Priority    int     `gorm:"not null;default:0" json:"priority"`

	Status         string `gorm:"not null;default:'queued'" json:"status"`
	RuntimeDetails string `gorm:"not null;default:''" json:"runtime_details"`

	DateCreated  time.Time  `json:"date_created"`
	DateStarted  *time.Time `json:"date_started"`
	DateFinished *time.Time `json:"date_finished"`
}

// TableName specifies the table name for the model.
func (Job) TableName() string {
	return "jobs"
}

// JobSubmission is the request body of POST /jobs.
type JobSubmission struct {
	Application string `json:"application"`
	Version     string `json:"version"`
	Entrypoint  string `json:"entrypoint"`

	// Logical input ids; each names a user-scoped file tree to mount.
	ConfigID    string   `json:"config_id"`
	DataIDs     []string `json:"data_ids"`
	ArtifactIDs []string `json:"artifact_ids"`

	Env map[string]string `json:"env"`

	Environment api.EnvironmentType `json:"environment"`
	Priority    *int                `json:"priority"`
	Hardware    api.HardwareSpecs   `json:"hardware"`
}
