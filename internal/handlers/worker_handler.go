package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/metrics"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
)

// maxUploadMemory bounds the in-memory part of multipart parsing; larger
// bodies spill to temp files.
const maxUploadMemory = 32 << 20

// WorkerHandler serves the worker-facing endpoints: job pulling, status
// updates and file brokerage.
type WorkerHandler struct {
	BaseHandler
	queue *queue.JobQueue
	fs    filesystem.FileSystem
}

// NewWorkerHandler creates a WorkerHandler over the queue and file backend.
func NewWorkerHandler(q *queue.JobQueue, fs filesystem.FileSystem) *WorkerHandler {
	return &WorkerHandler{queue: q, fs: fs}
}

// Root returns the welcome message.
func (h *WorkerHandler) Root(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the DECODE-Cloud Worker API",
	})
}

// AccessInfo publishes the identity-provider coordinates so workers can
// bootstrap their token flow without out-of-band configuration.
func (h *WorkerHandler) AccessInfo(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]map[string]string{
		"cognito": {
			"user_pool_id": config.CognitoUserPoolID,
			"client_id":    config.CognitoClientID,
			"region":       config.CognitoRegion,
		},
	})
}

// requesterHostname resolves the authenticated worker's hostname. Hostnames
// carrying the workers-list delimiter would corrupt the audit column, so they
// are rejected before any queue call.
func (h *WorkerHandler) requesterHostname(r *http.Request) (string, *auth.Principal, error) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil || principal.Username == "" {
		return "", nil, validationErrorf("no authenticated worker identity")
	}
	if strings.Contains(principal.Username, queue.WorkerDelimiter) {
		return "", nil, preconditionErrorf("hostname must not contain %q", queue.WorkerDelimiter)
	}
	return principal.Username, principal, nil
}

// ListJobs pulls up to limit eligible jobs for the requesting worker. The
// worker's environment comes from its group membership, never from a query
// parameter.
func (h *WorkerHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	hostname, principal, err := h.requesterHostname(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	filter, limit, err := parseJobFilter(r, principal)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	jobs := map[string]*api.JobSpecs{}
	for i := 0; i < limit; i++ {
		id, specs, err := h.queue.Dequeue(r.Context(), hostname, *filter)
		if err != nil {
			h.respondWithError(w, err)
			return
		}
		if id == 0 {
			break
		}
		jobs[strconv.FormatInt(id, 10)] = specs
	}
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// parseJobFilter builds the pull predicate from query parameters. memory is
// the only required field; the rest defaults like the workers expect.
func parseJobFilter(r *http.Request, principal *auth.Principal) (*api.JobFilter, int, error) {
	q := r.URL.Query()

	memoryParam := q.Get("memory")
	if memoryParam == "" {
		return nil, 0, validationErrorf("memory query parameter is required")
	}
	memory, err := strconv.ParseInt(memoryParam, 10, 64)
	if err != nil || memory < 0 {
		return nil, 0, validationErrorf("invalid memory %q", memoryParam)
	}

	filter := &api.JobFilter{
		Environment: principal.Environment,
		CPUCores:    1,
		Memory:      memory,
	}

	if v := q.Get("cpu_cores"); v != "" {
		if filter.CPUCores, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, 0, validationErrorf("invalid cpu_cores %q", v)
		}
	}
	if v := q.Get("gpu_mem"); v != "" {
		if filter.GPUMemory, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, 0, validationErrorf("invalid gpu_mem %q", v)
		}
	}
	if v := q.Get("older_than"); v != "" {
		if filter.OlderThan, err = strconv.ParseInt(v, 10, 64); err != nil || filter.OlderThan < 0 {
			return nil, 0, validationErrorf("invalid older_than %q", v)
		}
	}
	if v := q.Get("gpu_model"); v != "" {
		filter.GPUModel = &v
	}
	if v := q.Get("gpu_archi"); v != "" {
		filter.GPUArchi = &v
	}
	filter.Groups = q["groups"]

	limit := 1
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return nil, 0, validationErrorf("invalid limit %q", v)
		}
	}
	return filter, limit, nil
}

// GetJobStatus returns the current status of a job held by the requester.
func (h *WorkerHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _, err := h.requesterHostname(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	job, err := h.queue.GetJob(r.Context(), id, hostname)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job.Status)
}

type statusUpdateRequest struct {
	Status         api.JobStatus `json:"status"`
	RuntimeDetails string        `json:"runtime_details"`
}

// UpdateJobStatus applies a lease-holder's status transition and propagates
// it upstream. A 404 here tells the worker to stop working on the job.
func (h *WorkerHandler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _, err := h.requesterHostname(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, validationErrorf("malformed body: %v", err))
		return
	}
	if !req.Status.Valid() {
		h.respondWithError(w, unprocessableErrorf("unknown status %q", req.Status))
		return
	}

	if err := h.queue.UpdateJobStatus(r.Context(), id, hostname, req.Status, req.RuntimeDetails); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadDestination resolves where a job file of the given type lands. The
// queue call doubles as the lease check.
func (h *WorkerHandler) uploadDestination(r *http.Request, hostname string, id int64) (string, error) {
	uploadType := api.UploadType(r.URL.Query().Get("type"))
	if !uploadType.Valid() {
		return "", validationErrorf("invalid upload type %q", uploadType)
	}
	basePath := strings.Trim(r.URL.Query().Get("base_path"), "/")

	job, err := h.queue.GetJob(r.Context(), id, hostname)
	if err != nil {
		return "", err
	}
	root := job.PathsUpload[uploadType]
	if root == "" {
		return "", unprocessableErrorf("job has no %s upload destination", uploadType)
	}
	dest := strings.TrimSuffix(root, "/")
	if basePath != "" {
		dest += "/" + basePath
	}
	return dest, nil
}

// UploadJobFile receives a multipart upload and stores it under the job's
// destination for the given type. Local backend only.
func (h *WorkerHandler) UploadJobFile(w http.ResponseWriter, r *http.Request) {
	hostname, _, err := h.requesterHostname(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	dest, err := h.uploadDestination(r, hostname, id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.respondWithError(w, validationErrorf("malformed multipart body: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondWithError(w, validationErrorf("missing file field: %v", err))
		return
	}
	defer file.Close()

	if err := h.fs.PostFile(r.Context(), file, dest+"/"+header.Filename); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// UploadJobFileURL brokers a pre-authorized upload request scoped to the
// job's destination prefix for the given type.
func (h *WorkerHandler) UploadJobFileURL(w http.ResponseWriter, r *http.Request) {
	hostname, _, err := h.requesterHostname(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	id, err := h.jobID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	dest, err := h.uploadDestination(r, hostname, id)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	req, err := h.fs.PostFileURL(r.Context(), dest, r, "url", "upload")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	metrics.PresignedURLs.WithLabelValues("upload").Inc()
	h.respondWithJSON(w, http.StatusCreated, req)
}

// DownloadFile streams a file body. The S3 backend refuses this with 403 so
// clients switch to the presigned variant.
func (h *WorkerHandler) DownloadFile(w http.ResponseWriter, r *http.Request, path string) {
	body, err := h.fs.GetFile(r.Context(), path)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.Log.WithError(err).WithField("path", path).Warn("file download interrupted")
	}
}

// DownloadFileURL brokers a pre-authorized download request for the file.
func (h *WorkerHandler) DownloadFileURL(w http.ResponseWriter, r *http.Request, path string) {
	req, err := h.fs.GetFileURL(r.Context(), path, r, "url", "download")
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	metrics.PresignedURLs.WithLabelValues("download").Inc()
	h.respondWithJSON(w, http.StatusOK, req)
}

// EnqueueJob accepts a submission from the submit service and places it on
// the queue. Guarded by the internal API key, not worker auth.
func (h *WorkerHandler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var sub api.SubmittedJob
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.respondWithError(w, validationErrorf("malformed body: %v", err))
		return
	}
	if err := sub.Validate(); err != nil {
		h.respondWithError(w, unprocessableErrorf("%v", err))
		return
	}

	id, err := h.queue.Enqueue(r.Context(), sub)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"id":  id,
		"job": sub,
	})
}

// jobID parses the path id set by the router.
func (h *WorkerHandler) jobID(r *http.Request) (int64, error) {
	raw := GetIDFromContext(r, "job_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, validationErrorf("invalid job id %q", raw)
	}
	return id, nil
}
