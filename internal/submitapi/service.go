package submitapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
)

var (
	// ErrNotFound means the submitter-side job record does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrValidation covers catalog, input and env-var rejections.
	ErrValidation = errors.New("validation error")
	// ErrWorkerAPI means the enqueue call to the worker service failed.
	ErrWorkerAPI = errors.New("worker API error")
)

// inputKinds maps the logical input categories to their tree names under the
// user's data root. The same names become the container-local mount points.
var inputKinds = []string{"config", "data", "artifact"}

// Service owns the submit-side job records and the enqueue path to the
// worker API. It never touches the queue directly.
type Service struct {
	db           *gorm.DB
	fs           filesystem.FileSystem
	catalog      *Catalog
	workerAPIURL func() string
	apiKey       string
	httpClient   *http.Client
}

// NewService wires the submit service. workerAPIURL is a func so tests can
// repoint it at an httptest server.
func NewService(db *gorm.DB, fs filesystem.FileSystem, catalog *Catalog, workerAPIURL func() string, apiKey string) *Service {
	return &Service{
		db:           db,
		fs:           fs,
		catalog:      catalog,
		workerAPIURL: workerAPIURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Migrate creates the submitter-side jobs table.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&Job{})
}

// userRoot is the backend-qualified root of one user's data tree.
func userRoot(userID string) string {
	if config.Filesystem == "s3" {
		return config.S3Bucket + "/" + userID
	}
	return strings.TrimSuffix(config.UserDataRootPath, "/") + "/" + userID
}

// outputsRoot is the backend-qualified root job outputs land under.
func outputsRoot(userID, jobID string) string {
	root := config.OutputsRootPath
	if root == "" {
		root = userRoot(userID)
	} else if config.Filesystem == "s3" {
		root = config.S3Bucket + "/" + strings.Trim(root, "/")
	}
	return strings.TrimSuffix(root, "/") + "/" + userID + "/" + jobID
}

// filesDownManifest enumerates the named input trees and maps each file's
// container-local path to its backend-qualified source URI.
func (s *Service) filesDownManifest(ctx context.Context, userID string, sub *JobSubmission) (map[string]string, error) {
	trees := map[string][]string{
		"config":   {},
		"data":     sub.DataIDs,
		"artifact": sub.ArtifactIDs,
	}
	if sub.ConfigID != "" {
		trees["config"] = []string{sub.ConfigID}
	}

	manifest := map[string]string{}
	root := userRoot(userID)
	for _, kind := range inputKinds {
		for _, id := range trees[kind] {
			prefix := root + "/" + kind + "/" + id
			files, err := s.fs.List(ctx, prefix)
			if err != nil {
				return nil, fmt.Errorf("failed to enumerate %s input %s: %w", kind, id, err)
			}
			if len(files) == 0 {
				return nil, fmt.Errorf("%w: %s input %q does not exist", ErrValidation, kind, id)
			}
			for _, f := range files {
				local := kind + "/" + strings.TrimPrefix(strings.TrimPrefix(f, root+"/"+kind+"/"), "/")
				manifest[local] = s.fs.FullPathURI(f)
			}
		}
	}
	return manifest, nil
}

// SubmitJob validates a submission against the catalog, builds the job
// envelope and hands it to the worker API. The submitter-side record is
// persisted only after the enqueue succeeds.
func (s *Service) SubmitJob(ctx context.Context, userID string, sub *JobSubmission) (*Job, error) {
	entrypoint, allowlist, err := s.catalog.Resolve(sub.Application, sub.Version, sub.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := AllowedEnv(allowlist, sub.Env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	env := sub.Environment
	if env == "" {
		env = api.EnvironmentAny
	}
	if !env.Valid() {
		return nil, fmt.Errorf("%w: invalid environment %q", ErrValidation, env)
	}

	filesDown, err := s.filesDownManifest(ctx, userID, sub)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	outRoot := outputsRoot(userID, jobID)

	envelope := api.SubmittedJob{
		Job: api.JobSpecs{
			App: api.AppSpecs{
				Cmd: entrypoint.Cmd,
				Env: sub.Env,
			},
			Handler: api.HandlerSpecs{
				ImageURL:  entrypoint.ImageURL,
				AWSJobDef: entrypoint.AWSJobDef,
				FilesDown: filesDown,
				FilesUp: map[api.UploadType]string{
					api.UploadOutput:   "output",
					api.UploadLog:      "log",
					api.UploadArtifact: "artifact",
				},
			},
			Meta: api.MetaSpecs{
				JobID:       jobID,
				DateCreated: now,
			},
			Hardware: sub.Hardware,
		},
		Environment: env,
		Priority:    sub.Priority,
		PathsUpload: map[api.UploadType]string{
			api.UploadOutput:   outRoot + "/output",
			api.UploadLog:      outRoot + "/log",
			api.UploadArtifact: outRoot + "/artifact",
		},
	}
	if err := envelope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.enqueue(ctx, &envelope); err != nil {
		return nil, err
	}

	record := &Job{
		JobID:       jobID,
		UserID:      userID,
		Application: sub.Application,
		Version:     sub.Version,
		Entrypoint:  sub.Entrypoint,
		Environment: environmentColumn(env),
		Priority:    envelope.EffectivePriority(),
		Status:      string(api.StatusQueued),
		DateCreated: now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to persist job record: %w", err)
	}
	return record, nil
}

func environmentColumn(env api.EnvironmentType) *string {
	if env == api.EnvironmentAny || env == "" {
		return nil
	}
	v := string(env)
	return &v
}

// enqueue posts the envelope to the worker API's internal endpoint.
func (s *Service) enqueue(ctx context.Context, envelope *api.SubmittedJob) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode job envelope: %w", err)
	}

	url := strings.TrimSuffix(s.workerAPIURL(), "/") + "/_jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build enqueue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: enqueue returned %d: %s", ErrWorkerAPI, resp.StatusCode, excerpt)
	}
	return nil
}

// ListJobs returns one user's job records, newest first.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("date_created DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob returns one of the user's job records by its public job id.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND user_id = ?", jobID, userID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateJobStatus applies a status callback from the worker API. running
// stamps date_started, terminal statuses stamp date_finished. ErrNotFound
// signals the worker side to drop the queue row.
func (s *Service) UpdateJobStatus(ctx context.Context, jobID string, status api.JobStatus, runtimeDetails string) error {
	var job Job
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	now := time.Now().UTC()
	job.Status = string(status)
	if runtimeDetails != "" {
		job.RuntimeDetails = runtimeDetails
	}
	if status == api.StatusRunning && job.DateStarted == nil {
		job.DateStarted = &now
	}
	if status.Terminal() && job.DateFinished == nil {
		job.DateFinished = &now
	}

	if err := s.db.WithContext(ctx).Save(&job).Error; err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}
