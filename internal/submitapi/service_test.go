package submitapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
)

// fakeWorkerAPI records the enqueue envelopes the service posts.
type fakeWorkerAPI struct {
	server    *httptest.Server
	status    int
	envelopes []api.SubmittedJob
	apiKeys   []string
}

func newFakeWorkerAPI(t *testing.T) *fakeWorkerAPI {
	t.Helper()
	f := &fakeWorkerAPI{status: http.StatusCreated}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/_jobs", r.URL.Path)
		f.apiKeys = append(f.apiKeys, r.Header.Get("x-api-key"))

		var envelope api.SubmittedJob
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		f.envelopes = append(f.envelopes, envelope)

		w.WriteHeader(f.status)
		if f.status == http.StatusCreated {
			json.NewEncoder(w).Encode(map[string]interface{}{"id": int64(len(f.envelopes))})
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestService(t *testing.T) (*Service, *fakeWorkerAPI, string) {
	t.Helper()
	root := t.TempDir()
	config.Filesystem = "local"
	config.UserDataRootPath = root
	config.OutputsRootPath = root

	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "submit.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)

	catalog, err := LoadCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	worker := newFakeWorkerAPI(t)
	service := NewService(db, filesystem.NewLocalFilesystem(root), catalog,
		func() string { return worker.server.URL }, "submit-test-key")
	require.NoError(t, service.Migrate())
	return service, worker, root
}

func seedInput(t *testing.T, root, userID, kind, id string, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(root, userID, kind, id, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func validSubmission() *JobSubmission {
	return &JobSubmission{
		Application: "decode",
		Version:     "v0.10.1",
		Entrypoint:  "train",
		ConfigID:    "c1",
		DataIDs:     []string{"d1"},
		Env:         map[string]string{"DECODE_LOG_LEVEL": "debug"},
	}
}

func TestSubmitJob(t *testing.T) {
	service, worker, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")
	seedInput(t, root, "u1", "data", "d1", "frames.h5", "meta/session.json")

	record, err := service.SubmitJob(ctx, "u1", validSubmission())
	require.NoError(t, err)
	assert.NotEmpty(t, record.JobID)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, "decode", record.Application)
	assert.Equal(t, string(api.StatusQueued), record.Status)
	assert.Equal(t, api.DefaultPriority, record.Priority)
	assert.Nil(t, record.Environment)

	require.Len(t, worker.envelopes, 1)
	assert.Equal(t, []string{"submit-test-key"}, worker.apiKeys)

	envelope := worker.envelopes[0]
	assert.Equal(t, record.JobID, envelope.Job.Meta.JobID)
	assert.Equal(t, api.EnvironmentAny, envelope.Environment)
	assert.Equal(t, "registry.example.com/decode:v0.10.1", envelope.Job.Handler.ImageURL)
	assert.Equal(t, []string{"python", "-m", "decode.train"}, envelope.Job.App.Cmd)
	assert.Equal(t, map[string]string{"DECODE_LOG_LEVEL": "debug"}, envelope.Job.App.Env)

	// Every seeded input file appears under its container-local kind prefix.
	down := envelope.Job.Handler.FilesDown
	assert.Contains(t, down, "config/c1/params.yaml")
	assert.Contains(t, down, "data/d1/frames.h5")
	assert.Contains(t, down, "data/d1/meta/session.json")
	assert.Equal(t, filepath.Join(root, "u1", "config", "c1", "params.yaml"), down["config/c1/params.yaml"])

	outRoot := filepath.Join(root, "u1", record.JobID)
	assert.Equal(t, outRoot+"/output", envelope.PathsUpload[api.UploadOutput])
	assert.Equal(t, outRoot+"/log", envelope.PathsUpload[api.UploadLog])
	assert.Equal(t, outRoot+"/artifact", envelope.PathsUpload[api.UploadArtifact])
}

func TestSubmitJobCatalogRejections(t *testing.T) {
	service, worker, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")
	seedInput(t, root, "u1", "data", "d1", "frames.h5")

	sub := validSubmission()
	sub.Application = "nonsense"
	_, err := service.SubmitJob(ctx, "u1", sub)
	assert.ErrorIs(t, err, ErrValidation)

	sub = validSubmission()
	sub.Env = map[string]string{"LD_PRELOAD": "/evil.so"}
	_, err = service.SubmitJob(ctx, "u1", sub)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, worker.envelopes)
}

func TestSubmitJobMissingInputTree(t *testing.T) {
	service, worker, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")

	// data/d1 was never uploaded.
	_, err := service.SubmitJob(ctx, "u1", validSubmission())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, worker.envelopes)
}

func TestSubmitJobWorkerAPIFailure(t *testing.T) {
	service, worker, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")
	seedInput(t, root, "u1", "data", "d1", "frames.h5")
	worker.status = http.StatusInternalServerError

	_, err := service.SubmitJob(ctx, "u1", validSubmission())
	assert.ErrorIs(t, err, ErrWorkerAPI)

	// No record survives a failed enqueue.
	jobs, err := service.ListJobs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListAndGetJobsAreUserScoped(t *testing.T) {
	service, _, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")
	seedInput(t, root, "u1", "data", "d1", "frames.h5")
	seedInput(t, root, "u2", "config", "c1", "params.yaml")
	seedInput(t, root, "u2", "data", "d1", "frames.h5")

	first, err := service.SubmitJob(ctx, "u1", validSubmission())
	require.NoError(t, err)
	_, err = service.SubmitJob(ctx, "u2", validSubmission())
	require.NoError(t, err)

	jobs, err := service.ListJobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.JobID, jobs[0].JobID)

	got, err := service.GetJob(ctx, "u1", first.JobID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// Another user's id reads as not found.
	_, err = service.GetJob(ctx, "u2", first.JobID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobStatusStampsDates(t *testing.T) {
	service, _, root := newTestService(t)
	ctx := context.Background()
	seedInput(t, root, "u1", "config", "c1", "params.yaml")
	seedInput(t, root, "u1", "data", "d1", "frames.h5")

	record, err := service.SubmitJob(ctx, "u1", validSubmission())
	require.NoError(t, err)

	require.NoError(t, service.UpdateJobStatus(ctx, record.JobID, api.StatusRunning, ""))
	got, err := service.GetJob(ctx, "u1", record.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(api.StatusRunning), got.Status)
	require.NotNil(t, got.DateStarted)
	assert.Nil(t, got.DateFinished)
	started := *got.DateStarted

	// A repeated running callback does not move the start date.
	require.NoError(t, service.UpdateJobStatus(ctx, record.JobID, api.StatusRunning, "epoch 2/10"))
	got, err = service.GetJob(ctx, "u1", record.JobID)
	require.NoError(t, err)
	assert.True(t, started.Equal(*got.DateStarted))
	assert.Equal(t, "epoch 2/10", got.RuntimeDetails)

	require.NoError(t, service.UpdateJobStatus(ctx, record.JobID, api.StatusFinished, ""))
	got, err = service.GetJob(ctx, "u1", record.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(api.StatusFinished), got.Status)
	require.NotNil(t, got.DateFinished)

	assert.ErrorIs(t, service.UpdateJobStatus(ctx, "no-such-job", api.StatusRunning, ""), ErrNotFound)
}
