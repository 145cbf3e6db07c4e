// Package api serves the webhook ingest endpoint and read-only warehouse lookups
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/auth"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/metrics"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/middleware"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
)

// MaxWebhookBytes bounds the accepted webhook body
const MaxWebhookBytes = 1 << 20

// Publisher hands accepted webhook payloads to the worker queue
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Store is the warehouse subset the handlers read
type Store interface {
	JobData(ctx context.Context, jobID int64) (*models.JobDataDimension, error)
	JobFact(ctx context.Context, jobID int64) (*models.JobFact, error)
	HealthCheck(ctx context.Context) error
}

// WarehouseHandler handles webhook and lookup requests
type WarehouseHandler struct {
	store         Store
	publisher     Publisher
	webhookSecret string
	recorder      *metrics.Recorder
	logger        *logging.Logger
}

// NewWarehouseHandler creates a handler. An empty webhookSecret accepts
// unauthenticated deliveries.
func NewWarehouseHandler(s Store, p Publisher, webhookSecret string, recorder *metrics.Recorder, logger *logging.Logger) *WarehouseHandler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &WarehouseHandler{
		store:         s,
		publisher:     p,
		webhookSecret: webhookSecret,
		recorder:      recorder,
		logger:        logger,
	}
}

// RegisterRoutes registers the webhook and health routes on r and the
// lookup routes on the authenticated subrouter api
func (h *WarehouseHandler) RegisterRoutes(r *mux.Router, api *mux.Router) {
	r.HandleFunc("/webhooks/gitlab", h.ReceiveWebhook).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")

	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
}

// ReceiveWebhook validates a GitLab job event and queues it for processing
func (h *WarehouseHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("request_id", middleware.GetRequestID(r))

	if !auth.ValidWebhookToken(r, h.webhookSecret) {
		h.recorder.WebhookReceived("unauthorized")
		http.Error(w, "Invalid webhook token", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBytes))
	if err != nil {
		h.recorder.WebhookReceived("invalid")
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}

	var event models.JobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.recorder.WebhookReceived("invalid")
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if event.ObjectKind != "build" || !event.BuildStatus.IsTerminal() {
		h.recorder.WebhookReceived("ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := event.Validate(); err != nil {
		h.recorder.WebhookReceived("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.publisher.Publish(r.Context(), body); err != nil {
		logger.Error("Failed to queue job event", logging.Fields{"job_id": event.BuildID, "error": err})
		h.recorder.WebhookReceived("queue_failed")
		http.Error(w, "Failed to queue event", http.StatusServiceUnavailable)
		return
	}

	logger.Debug("Job event queued", logging.Fields{"job_id": event.BuildID, "status": event.BuildStatus})
	h.recorder.WebhookReceived("accepted")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"job_id": event.BuildID,
	})
}

// Health reports whether the warehouse database is reachable
func (h *WarehouseHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		h.logger.Warn("Health check failed", logging.Fields{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// JobResponse is one loaded job with its fact
type JobResponse struct {
	Job  *models.JobDataDimension `json:"job"`
	Fact *models.JobFact          `json:"fact,omitempty"`
}

// GetJob returns the metadata row and fact of a loaded job
func (h *WarehouseHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || jobID <= 0 {
		http.Error(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.JobData(r.Context(), jobID)
	if errors.Is(err, warehouse.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to read job", logging.Fields{"job_id": jobID, "error": err})
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}

	resp := JobResponse{Job: job}
	fact, err := h.store.JobFact(r.Context(), jobID)
	switch {
	case err == nil:
		resp.Fact = fact
	case !errors.Is(err, warehouse.ErrNotFound):
		h.logger.Error("Failed to read job fact", logging.Fields{"job_id": jobID, "error": err})
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
