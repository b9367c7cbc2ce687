package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EnvironmentType is the coarse worker-pool label a job is matched against.
// The wildcard value serializes as JSON null on the wire.
type EnvironmentType string

const (
	EnvironmentLocal EnvironmentType = "local"
	EnvironmentCloud EnvironmentType = "cloud"
	EnvironmentAny   EnvironmentType = "any"
)

var jsonNull = []byte("null")

// MarshalJSON encodes the wildcard environment as null.
func (e EnvironmentType) MarshalJSON() ([]byte, error) {
	if e == EnvironmentAny || e == "" {
		return jsonNull, nil
	}
	return json.Marshal(string(e))
}

// UnmarshalJSON decodes null (and the empty string) as the wildcard environment.
func (e *EnvironmentType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*e = EnvironmentAny
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch EnvironmentType(s) {
	case EnvironmentLocal, EnvironmentCloud, EnvironmentAny:
		*e = EnvironmentType(s)
	case "":
		*e = EnvironmentAny
	default:
		return fmt.Errorf("invalid environment %q", s)
	}
	return nil
}

// Valid reports whether e is one of the known environment labels.
func (e EnvironmentType) Valid() bool {
	switch e {
	case EnvironmentLocal, EnvironmentCloud, EnvironmentAny:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusQueued         JobStatus = "queued"
	StatusPreprocessing  JobStatus = "preprocessing"
	StatusPulled         JobStatus = "pulled"
	StatusRunning        JobStatus = "running"
	StatusPostprocessing JobStatus = "postprocessing"
	StatusFinished       JobStatus = "finished"
	StatusError          JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusPreprocessing, StatusPulled, StatusRunning,
		StatusPostprocessing, StatusFinished, StatusError:
		return true
	}
	return false
}

// UploadType distinguishes the three per-job upload destinations.
type UploadType string

const (
	UploadOutput   UploadType = "output"
	UploadLog      UploadType = "log"
	UploadArtifact UploadType = "artifact"
)

// Valid reports whether t is a known upload type.
func (t UploadType) Valid() bool {
	switch t {
	case UploadOutput, UploadLog, UploadArtifact:
		return true
	}
	return false
}

// HardwareSpecs are the resource demands of a job. Nil means no constraint.
type HardwareSpecs struct {
	CPUCores  *int64  `json:"cpu_cores"`
	Memory    *int64  `json:"memory"`
	GPUModel  *string `json:"gpu_model"`
	GPUArchi  *string `json:"gpu_archi"`
	GPUMemory *int64  `json:"gpu_mem"`
}

// AppSpecs describe the command the worker runs inside the container.
type AppSpecs struct {
	Cmd []string          `json:"cmd"`
	Env map[string]string `json:"env,omitempty"`
}

// HandlerSpecs describe the container image and the file manifests.
type HandlerSpecs struct {
	ImageURL string `json:"image_url"`
	// AWSJobDef is an optional AWS Batch job-definition alias for cloud workers.
	AWSJobDef *string `json:"aws_job_def,omitempty"`
	// FilesDown maps container-local paths to source URIs to download.
	FilesDown map[string]string `json:"files_down"`
	// FilesUp maps upload types to the container-local paths to collect.
	FilesUp map[UploadType]string `json:"files_up"`
}

// MetaSpecs carry the submitter-side identity of the job.
type MetaSpecs struct {
	JobID       string                 `json:"job_id"`
	DateCreated time.Time              `json:"date_created"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// JobSpecs is the opaque job description handed to the worker verbatim.
type JobSpecs struct {
	App      AppSpecs      `json:"app"`
	Handler  HandlerSpecs  `json:"handler"`
	Meta     MetaSpecs     `json:"meta"`
	Hardware HardwareSpecs `json:"hardware"`
}

// DefaultPriority is assigned to submissions that do not set one.
const DefaultPriority = 5

// MaxPriority bounds the accepted priority range (0..MaxPriority).
const MaxPriority = 10

// SubmittedJob is the enqueue envelope the submit API posts to /_jobs.
type SubmittedJob struct {
	Job         JobSpecs              `json:"job"`
	Environment EnvironmentType       `json:"environment"`
	Group       *string               `json:"group,omitempty"`
	Priority    *int                  `json:"priority,omitempty"`
	PathsUpload map[UploadType]string `json:"paths_upload"`
}

// Validate checks the envelope before it reaches the queue.
func (j *SubmittedJob) Validate() error {
	if !j.Environment.Valid() {
		return fmt.Errorf("invalid environment %q", j.Environment)
	}
	if j.Priority != nil && (*j.Priority < 0 || *j.Priority > MaxPriority) {
		return fmt.Errorf("priority must be between 0 and %d", MaxPriority)
	}
	if j.Job.Handler.ImageURL == "" {
		return fmt.Errorf("job.handler.image_url is required")
	}
	for _, t := range []UploadType{UploadOutput, UploadLog, UploadArtifact} {
		if j.PathsUpload[t] == "" {
			return fmt.Errorf("paths_upload.%s is required", t)
		}
	}
	return nil
}

// EffectivePriority applies the submission default.
func (j *SubmittedJob) EffectivePriority() int {
	if j.Priority == nil {
		return DefaultPriority
	}
	return *j.Priority
}

// JobFilter is the pull predicate a worker presents on GET /jobs.
type JobFilter struct {
	Environment EnvironmentType
	OlderThan   int64 // seconds a wildcard job must have aged before dispatch
	CPUCores    int64
	Memory      int64
	GPUMemory   int64
	GPUModel    *string
	GPUArchi    *string
	Groups      []string
}

// FileHTTPRequest is a pre-authorized HTTP request a client can issue itself
// to download or upload an object without holding credentials.
type FileHTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Data    map[string]string `json:"data"`
}
