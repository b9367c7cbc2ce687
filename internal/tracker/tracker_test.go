package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(func() string { return server.URL }, "test-key"), server
}

func TestUpdateJobStatusSuccess(t *testing.T) {
	var got StatusUpdate
	var gotKey, gotMethod, gotPath string

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.UpdateJobStatus(context.Background(), "job-123", api.StatusRunning, "epoch 3")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/_job_status", gotPath)
	assert.Equal(t, "job-123", got.JobID)
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Equal(t, "epoch 3", got.RuntimeDetails)
}

func TestUpdateJobStatusUpstreamGone(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.UpdateJobStatus(context.Background(), "job-123", api.StatusRunning, "")
	assert.ErrorIs(t, err, ErrJobDeleted)
}

func TestUpdateJobStatusUpstreamFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := client.UpdateJobStatus(context.Background(), "job-123", api.StatusFinished, "")
	require.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrJobDeleted)
}

func TestUpdateJobStatusConnectionRefused(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	err := client.UpdateJobStatus(context.Background(), "job-123", api.StatusRunning, "")
	assert.ErrorIs(t, err, ErrUpstream)
}
