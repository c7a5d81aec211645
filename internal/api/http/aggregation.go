package http

import (
	"net/http"

	"github.com/alembic/alembic/internal/aggregate"
)

// Scheduler is the part of the recompute daemon exposed over HTTP.
type Scheduler interface {
	Request() bool
	Status() aggregate.Status
}

// TriggerResponse acknowledges a recompute request.
type TriggerResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// TriggerHandler handles POST /v1/aggregation/trigger requests.
type TriggerHandler struct {
	scheduler Scheduler
}

// NewTriggerHandler creates a new trigger handler.
func NewTriggerHandler(scheduler Scheduler) *TriggerHandler {
	return &TriggerHandler{scheduler: scheduler}
}

// ServeHTTP queues a recompute. It returns before the recompute runs.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}
	if !h.scheduler.Request() {
		writeError(w, http.StatusServiceUnavailable, "aggregation scheduler is not running", "", requestID)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "queued", RequestID: requestID})
}

// StatusHandler handles GET /v1/aggregation/status requests.
type StatusHandler struct {
	scheduler Scheduler
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(scheduler Scheduler) *StatusHandler {
	return &StatusHandler{scheduler: scheduler}
}

// ServeHTTP reports the scheduler status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}
