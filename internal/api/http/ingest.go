package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/pkg/types"
)

// Ingester accepts one raw event payload.
type Ingester interface {
	Handle(ctx context.Context, payload []byte) (types.EventID, error)
}

// IngestResponse acknowledges an accepted event.
type IngestResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id,omitempty"`
}

// IngestHandler handles POST /v1/event requests.
type IngestHandler struct {
	ingest Ingester
	log    *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(ingest Ingester) *IngestHandler {
	return &IngestHandler{
		ingest: ingest,
		log:    logging.Component("http"),
	}
}

// ServeHTTP handles the ingest HTTP request.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", alerrors.CodePayloadTooLarge, requestID)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", alerrors.CodeMalformedPayload, requestID)
		return
	}

	id, err := h.ingest.Handle(r.Context(), body)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{ID: id.String(), RequestID: requestID})
}

func (h *IngestHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), h.log).Error("ingest failed", "error", err)
	}
	writeError(w, status, message, alerrors.GetCode(err), GetRequestID(r.Context()))
}

// statusFor maps an error to a status code and a message safe to return to
// clients. Internal causes are never included.
func statusFor(err error) (int, string) {
	var ae *alerrors.AlembicError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, "internal server error"
	}

	switch ae.Category {
	case alerrors.ErrCategoryValidation:
		if ae.Code == alerrors.CodePayloadTooLarge {
			return http.StatusRequestEntityTooLarge, ae.Message
		}
		return http.StatusBadRequest, ae.Message
	case alerrors.ErrCategoryStore:
		if ae.Code == alerrors.CodeStoreBusy || ae.Code == alerrors.CodeStoreClosed {
			return http.StatusServiceUnavailable, "service unavailable"
		}
		return http.StatusInternalServerError, "internal server error"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
