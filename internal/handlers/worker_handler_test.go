package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
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
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
)

const testAPIKey = "test-internal-key"

// stubVerifier maps tokens to principals without a real identity provider.
type stubVerifier struct {
	principals map[string]*auth.Principal
}

func (v *stubVerifier) Verify(ctx context.Context, rawToken string) (*auth.Principal, error) {
	if p, ok := v.principals[rawToken]; ok {
		return p, nil
	}
	return nil, auth.ErrUnauthorized
}

type testEnv struct {
	server *httptest.Server
	queue  *queue.JobQueue
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	config.InternalAPIKeySecret = testAPIKey

	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "queue.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	q := queue.New(db, nil, true)
	require.NoError(t, q.Create(true))

	root := t.TempDir()
	fs := filesystem.NewLocalFilesystem(root)

	verifier := &stubVerifier{principals: map[string]*auth.Principal{
		"local-token": {Username: "worker-local", Groups: []string{"workers"}, Environment: api.EnvironmentLocal},
		"cloud-token": {Username: "worker-cloud", Groups: []string{"workers", "cloud"}, Environment: api.EnvironmentCloud},
		"bad-host":    {Username: "worker;evil", Groups: []string{"workers"}, Environment: api.EnvironmentLocal},
	}}

	server := httptest.NewServer(NewWorkerMux(q, fs, verifier))
	t.Cleanup(server.Close)
	return &testEnv{server: server, queue: q, root: root}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) enqueue(t *testing.T, sub api.SubmittedJob) int64 {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/_jobs", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.ID
}

func (e *testEnv) submission(env api.EnvironmentType) api.SubmittedJob {
	return api.SubmittedJob{
		Job: api.JobSpecs{
			App:     api.AppSpecs{Cmd: []string{"run"}},
			Handler: api.HandlerSpecs{ImageURL: "registry.example.com/decode:latest"},
			Meta:    api.MetaSpecs{JobID: "meta-1"},
		},
		Environment: env,
		PathsUpload: map[api.UploadType]string{
			api.UploadOutput:   filepath.Join(e.root, "out"),
			api.UploadLog:      filepath.Join(e.root, "log"),
			api.UploadArtifact: filepath.Join(e.root, "artifact"),
		},
	}
}

func TestRootAndAccessInfo(t *testing.T) {
	env := newTestEnv(t)
	config.CognitoUserPoolID = "pool-1"
	config.CognitoClientID = "client-1"
	config.CognitoRegion = "eu-central-1"

	resp := env.do(t, http.MethodGet, "/", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/access_info", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "pool-1", info["cognito"]["user_pool_id"])
	assert.Equal(t, "client-1", info["cognito"]["client_id"])
	assert.Equal(t, "eu-central-1", info["cognito"]["region"])
}

func TestEnqueueRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(env.submission(api.EnvironmentLocal))
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/_jobs", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnqueueRejectsIncompleteSubmission(t *testing.T) {
	env := newTestEnv(t)

	sub := env.submission(api.EnvironmentLocal)
	sub.Job.Handler.ImageURL = ""
	payload, _ := json.Marshal(sub)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/_jobs", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("x-api-key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWorkerJobFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, env.submission(api.EnvironmentLocal))

	// Pull.
	resp := env.do(t, http.MethodGet, "/jobs?memory=16384&cpu_cores=8", "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs map[string]api.JobSpecs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	_, ok := jobs[fmt.Sprintf("%d", id)]
	require.True(t, ok)

	// Status reads pulled.
	resp = env.do(t, http.MethodGet, fmt.Sprintf("/jobs/%d/status", id), "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, string(api.StatusPulled), status)

	// Transition to running.
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/jobs/%d/status", id), "local-token",
		map[string]string{"status": "running"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/jobs/%d/status", id), "local-token", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, string(api.StatusRunning), status)
}

func TestWorkerEnvironmentComesFromGroups(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, env.submission(api.EnvironmentCloud))

	// The local worker sees nothing even though the job is queued.
	resp := env.do(t, http.MethodGet, "/jobs?memory=16384", "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs map[string]api.JobSpecs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Empty(t, jobs)

	resp = env.do(t, http.MethodGet, "/jobs?memory=16384", "cloud-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Len(t, jobs, 1)
}

func TestListJobsValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/jobs", "local-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs?memory=abc", "local-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A hostname carrying the workers delimiter is refused up front.
	resp = env.do(t, http.MethodGet, "/jobs?memory=16384", "bad-host", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs?memory=16384", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListJobsLimitBatching(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.enqueue(t, env.submission(api.EnvironmentLocal))
	}

	resp := env.do(t, http.MethodGet, "/jobs?memory=16384&limit=2", "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs map[string]api.JobSpecs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Len(t, jobs, 2)

	// Decode into a fresh map; decoding into the populated one would merge
	// the batches and hide a broken limit.
	resp = env.do(t, http.MethodGet, "/jobs?memory=16384&limit=5", "local-token", nil)
	var remainder map[string]api.JobSpecs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&remainder))
	resp.Body.Close()
	assert.Len(t, remainder, 1)
	for id := range remainder {
		assert.NotContains(t, jobs, id)
	}
}

func TestStatusUpdateByNonLeaseHolder(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, env.submission(api.EnvironmentLocal))

	resp := env.do(t, http.MethodGet, "/jobs?memory=16384", "local-token", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another worker neither sees the job nor may transition it.
	resp = env.do(t, http.MethodGet, fmt.Sprintf("/jobs/%d/status", id), "cloud-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/jobs/%d/status", id), "cloud-token",
		map[string]string{"status": "running"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileDownloadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(env.root, "user", "data.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("content-1"), 0o644))

	resp := env.do(t, http.MethodGet, "/files"+path+"/download", "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "content-1", string(body))

	resp = env.do(t, http.MethodGet, "/files"+path+"/url", "local-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fileReq api.FileHTTPRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fileReq))
	resp.Body.Close()
	assert.Equal(t, http.MethodGet, fileReq.Method)
	assert.Contains(t, fileReq.URL, path+"/download")

	resp = env.do(t, http.MethodGet, "/files"+filepath.Join(env.root, "missing")+"/download", "local-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobFileUpload(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, env.submission(api.EnvironmentLocal))

	resp := env.do(t, http.MethodGet, "/jobs?memory=16384", "local-token", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "result.h5")
	require.NoError(t, err)
	_, err = part.Write([]byte("weights"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	url := fmt.Sprintf("%s/jobs/%d/files/upload?type=output&base_path=run1", env.server.URL, id)
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer local-token")
	req.Header.Set("Content-Type", writer.FormDataContentType())
	uploadResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	uploadResp.Body.Close()
	require.Equal(t, http.StatusCreated, uploadResp.StatusCode)

	content, err := os.ReadFile(filepath.Join(env.root, "out", "run1", "result.h5"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(content))

	// The presigned variant points at the direct-upload endpoint.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/files/url?type=output&base_path=run1", id), "local-token", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var fileReq api.FileHTTPRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fileReq))
	resp.Body.Close()
	assert.Contains(t, fileReq.URL, fmt.Sprintf("/jobs/%d/files/upload", id))

	// A worker without the lease gets a 404 for both.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/files/url?type=output", id), "cloud-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadTypeValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t, env.submission(api.EnvironmentLocal))

	resp := env.do(t, http.MethodGet, "/jobs?memory=16384", "local-token", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/files/url?type=bogus", id), "local-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
