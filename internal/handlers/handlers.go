package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/worker"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// Enqueuer puts a validated job on the job queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job pipeline.Job) (string, error)
}

// BatchRunner runs a cohesive batch to completion
type BatchRunner interface {
	ProcessBatch(ctx context.Context, batchID string, jobs []pipeline.Job) (worker.BatchResult, error)
}

// EventStreamer serves the notification stream of one client connection
type EventStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, channel string)
}

// maxBodyBytes bounds request bodies; a batch of references is small
const maxBodyBytes = 1 << 20

// UploadHandler accepts upload jobs and hands them to the worker side
type UploadHandler struct {
	ctx     context.Context // parent of background batches
	queue   Enqueuer
	batches BatchRunner
	events  EventStreamer
	log     *logger.Logger
	wg      sync.WaitGroup
}

// NewUploadHandler creates the upload handler. Background batches run under
// ctx; cancelling it stops them from starting further jobs.
func NewUploadHandler(ctx context.Context, queue Enqueuer, batches BatchRunner, events EventStreamer, log *logger.Logger) *UploadHandler {
	return &UploadHandler{
		ctx:     ctx,
		queue:   queue,
		batches: batches,
		events:  events,
		log:     log.With("component", "UploadHandler"),
	}
}

// Enqueue handles POST /v1/uploads. The job is validated, enqueued and
// acknowledged with 202 before any processing happens.
func (h *UploadHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := decodeBody(w, r, &job); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := job.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := h.log.With("eventID", job.EventID, "clientID", job.ClientConnectionID)
	messageID, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		log.Error("failed to enqueue job", "error", err)
		respondError(w, http.StatusBadGateway, "failed to enqueue job")
		return
	}

	log.Info("job enqueued", "messageID", messageID, "file", job.Name())
	respondJSON(w, http.StatusAccepted, pipeline.UploadResponse{MessageID: messageID})
}

// SubmitBatch handles POST /v1/batches. All jobs are validated up front; the
// batch then runs in the background and reports through the event stream.
func (h *UploadHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ctx.Err(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	batchID := uuid.New().String()
	log := h.log.With("batchID", batchID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.batches.ProcessBatch(h.ctx, batchID, req.Jobs); err != nil {
			log.Warn("batch did not run to completion", "error", err)
		}
	}()

	log.Info("batch accepted", "total", len(req.Jobs))
	respondJSON(w, http.StatusAccepted, pipeline.BatchResponse{BatchID: batchID, Total: len(req.Jobs)})
}

// Events handles GET /v1/clients/{clientID}/events as a server-sent event stream
func (h *UploadHandler) Events(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "clientID is required")
		return
	}
	// streams end when the handler context does, so server shutdown is not
	// held open by idle subscribers
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()
	h.events.Stream(w, r.WithContext(ctx), clientID)
}

// Wait blocks until every accepted batch has finished
func (h *UploadHandler) Wait() {
	h.wg.Wait()
}

// HealthCheck returns health status
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after request body")
	}
	return nil
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
