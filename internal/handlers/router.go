package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/metrics"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/middleware"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
)

// NewWorkerMux wires the worker-facing routes. Worker endpoints sit behind
// bearer-token auth; the internal enqueue endpoint behind the shared API key.
func NewWorkerMux(q *queue.JobQueue, fs filesystem.FileSystem, verifier auth.TokenVerifier) *http.ServeMux {
	mux := http.NewServeMux()

	workerHandler := NewWorkerHandler(q, fs)
	workerAuth := middleware.WorkerAuthMiddleware(verifier)
	apiKeyAuth := middleware.APIKeyMiddleware(config.InternalAPIKeySecret)

	// Public endpoints
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workerHandler.Root(w, r)
	})

	mux.HandleFunc("/access_info", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workerHandler.AccessInfo(w, r)
	})

	mux.Handle("/metrics", metrics.Handler())

	// Job routes (require worker auth)
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		handler := workerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			workerHandler.ListJobs(w, r)
		}))
		handler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if path == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		handler := workerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// {id}/status
			if rest, found := strings.CutSuffix(path, "/status"); found {
				r = r.WithContext(setIDContext(r.Context(), "job_id", rest))
				switch r.Method {
				case http.MethodGet:
					workerHandler.GetJobStatus(w, r)
				case http.MethodPut:
					workerHandler.UpdateJobStatus(w, r)
				default:
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
				return
			}

			// {id}/files/upload and {id}/files/url
			if rest, found := strings.CutSuffix(path, "/files/upload"); found {
				r = r.WithContext(setIDContext(r.Context(), "job_id", rest))
				if r.Method == http.MethodPost {
					workerHandler.UploadJobFile(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if rest, found := strings.CutSuffix(path, "/files/url"); found {
				r = r.WithContext(setIDContext(r.Context(), "job_id", rest))
				if r.Method == http.MethodPost {
					workerHandler.UploadJobFileURL(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			http.NotFound(w, r)
		}))
		handler.ServeHTTP(w, r)
	})

	// File brokerage routes (require worker auth); the file path sits between
	// the /files/ prefix and the terminal action segment.
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		// Keep the leading slash: local backend paths are absolute.
		path := strings.TrimPrefix(r.URL.Path, "/files")
		if path == "" || path == "/" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		handler := workerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if filePath, found := strings.CutSuffix(path, "/download"); found {
				workerHandler.DownloadFile(w, r, filePath)
				return
			}
			if filePath, found := strings.CutSuffix(path, "/url"); found {
				workerHandler.DownloadFileURL(w, r, filePath)
				return
			}
			http.NotFound(w, r)
		}))
		handler.ServeHTTP(w, r)
	})

	// Internal enqueue endpoint (requires the shared API key)
	mux.HandleFunc("/_jobs", func(w http.ResponseWriter, r *http.Request) {
		handler := apiKeyAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			workerHandler.EnqueueJob(w, r)
		}))
		handler.ServeHTTP(w, r)
	})

	return mux
}

// setIDContext adds an ID to the context for handlers to use
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext gets an ID from the context
func GetIDFromContext(r *http.Request, key string) string {
	if value, ok := r.Context().Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

// NewRouter wraps the worker mux with CORS handling for the API server.
func NewRouter(q *queue.JobQueue, fs filesystem.FileSystem, verifier auth.TokenVerifier) http.Handler {
	mux := NewWorkerMux(q, fs, verifier)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "x-api-key"},
		AllowCredentials: true,
	})

	return c.Handler(mux)
}
