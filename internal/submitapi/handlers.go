package submitapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/middleware"
)

// Handler serves the user-facing submit endpoints and the internal status
// callback receiver.
type Handler struct {
	service *Service
}

// NewHandler creates a Handler over the submit service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"Failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		h.respondWithJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		h.respondWithJSON(w, http.StatusNotFound, errorResponse{
			Error:   "not_found",
			Message: "Job not found",
		})
	case errors.Is(err, ErrWorkerAPI):
		h.respondWithJSON(w, http.StatusBadGateway, errorResponse{
			Error:   "upstream_error",
			Message: "Job submission could not be queued",
		})
	default:
		h.respondWithJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		})
	}
}

// SubmitJob handles POST /jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	var sub JobSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_error",
			Message: "Malformed body",
		})
		return
	}

	job, err := h.service.SubmitJob(r.Context(), principal.Username, &sub)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	jobs, err := h.service.ListJobs(r.Context(), principal.Username)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	job, err := h.service.GetJob(r.Context(), principal.Username, jobID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

type statusCallback struct {
	JobID          string        `json:"job_id"`
	Status         api.JobStatus `json:"status"`
	RuntimeDetails string        `json:"runtime_details"`
}

// JobStatusCallback handles PUT /_job_status from the worker API. A 404 here
// makes the worker side delete its queue row.
func (h *Handler) JobStatusCallback(w http.ResponseWriter, r *http.Request) {
	var cb statusCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_error",
			Message: "Malformed body",
		})
		return
	}
	if cb.JobID == "" || !cb.Status.Valid() {
		h.respondWithJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "validation_error",
			Message: "job_id and a valid status are required",
		})
		return
	}

	if err := h.service.UpdateJobStatus(r.Context(), cb.JobID, cb.Status, cb.RuntimeDetails); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NewMux wires the submit API routes.
func NewMux(service *Service, verifier auth.TokenVerifier) *http.ServeMux {
	mux := http.NewServeMux()

	handler := NewHandler(service)
	userAuth := middleware.WorkerAuthMiddleware(verifier)
	apiKeyAuth := middleware.APIKeyMiddleware(config.InternalAPIKeySecret)

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		h := userAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				handler.ListJobs(w, r)
			case http.MethodPost:
				handler.SubmitJob(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		}))
		h.ServeHTTP(w, r)
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if jobID == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}
		h := userAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			handler.GetJob(w, r, jobID)
		}))
		h.ServeHTTP(w, r)
	})

	mux.HandleFunc("/_job_status", func(w http.ResponseWriter, r *http.Request) {
		h := apiKeyAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			handler.JobStatusCallback(w, r)
		}))
		h.ServeHTTP(w, r)
	})

	return mux
}

// NewRouter wraps the submit mux with CORS handling.
func NewRouter(service *Service, verifier auth.TokenVerifier) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "x-api-key"},
		AllowCredentials: true,
	})
	return c.Handler(NewMux(service, verifier))
}
