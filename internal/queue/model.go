package queue

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

// WorkerDelimiter separates worker hostnames in the workers audit column.
// Hostnames containing it are rejected at the HTTP boundary.
const WorkerDelimiter = ";"

// JobSpecsColumn stores an api.JobSpecs as a JSON column.
type JobSpecsColumn api.JobSpecs

// Value implements driver.Valuer for database storage.
func (j JobSpecsColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(api.JobSpecs(j))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval.
func (j *JobSpecsColumn) Scan(value interface{}) error {
	b, err := columnBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, (*api.JobSpecs)(j))
}

// UploadPathsColumn stores the per-type upload destinations as a JSON column.
type UploadPathsColumn map[api.UploadType]string

// Value implements driver.Valuer for database storage.
func (p UploadPathsColumn) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[api.UploadType]string(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval.
func (p *UploadPathsColumn) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	b, err := columnBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, (*map[api.UploadType]string)(p))
}

func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into JSON column", value)
	}
}

// QueuedJob is the single durable entity of the match-making queue.
// The hardware demands are copied out of the embedded spec into dedicated
// columns so selection can run on indexed comparisons.
type QueuedJob struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreationTimestamp time.Time `gorm:"index:idx_queued_jobs_selection,priority:4" json:"creation_timestamp"`
	LastUpdated       time.Time `gorm:"index:idx_queued_jobs_liveness,priority:2" json:"last_updated"`

	Status     string `gorm:"not null;default:'queued';index:idx_queued_jobs_selection,priority:1;index:idx_queued_jobs_liveness,priority:1" json:"status"`
	NumRetries int    `gorm:"not null;default:0" json:"num_retries"`

	Job         JobSpecsColumn    `gorm:"type:json;not null" json:"job"`
	PathsUpload UploadPathsColumn `gorm:"type:json;not null" json:"paths_upload"`

	// Filter columns. NULL environment is the wildcard; NULL resource demands
	// match any offer.
	Environment *string `gorm:"index:idx_queued_jobs_selection,priority:2" json:"environment"`
	CPUCores    *int64  `json:"cpu_cores"`
	Memory      *int64  `json:"memory"`
	GPUModel    *string `json:"gpu_model"`
	GPUArchi    *string `json:"gpu_archi"`
	GPUMemory   *int64  `gorm:"column:gpu_mem" json:"gpu_mem"`

	Group    *string `gorm:"column:job_group" json:"group"`
	Priority int     `gorm:"not null;default:0;index:idx_queued_jobs_selection,priority:3,sort:desc" json:"priority"`

	// Workers is the append-only audit of every worker this job was handed to,
	// joined by WorkerDelimiter. The tail holds the lease.
	Workers string `gorm:"not null;default:''" json:"workers"`
}

// TableName specifies the table name for the model.
func (QueuedJob) TableName() string {
	return "queued_jobs"
}

// WorkerList splits the workers audit column.
func (j *QueuedJob) WorkerList() []string {
	if j.Workers == "" {
		return nil
	}
	return strings.Split(j.Workers, WorkerDelimiter)
}

// LeaseHolder returns the tail of the workers list, the only identity allowed
// to update the job's status.
func (j *QueuedJob) LeaseHolder() string {
	workers := j.WorkerList()
	if len(workers) == 0 {
		return ""
	}
	return workers[len(workers)-1]
}

// appendWorker extends the audit trail; it never rewrites previous entries.
func (j *QueuedJob) appendWorker(hostname string) {
	if j.Workers == "" {
		j.Workers = hostname
		return
	}
	j.Workers += WorkerDelimiter + hostname
}

// EnvironmentType maps the nullable column back to the wire enum.
func (j *QueuedJob) EnvironmentType() api.EnvironmentType {
	if j.Environment == nil {
		return api.EnvironmentAny
	}
	return api.EnvironmentType(*j.Environment)
}

// environmentColumn maps the wire enum to the nullable column value.
func environmentColumn(env api.EnvironmentType) *string {
	if env == api.EnvironmentAny || env == "" {
		return nil
	}
	s := string(env)
	return &s
}
