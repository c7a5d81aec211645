package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spaolacci/murmur3"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/internal/query"
)

// InsightsReader produces the insights snapshot.
type InsightsReader interface {
	GetInsights(ctx context.Context) (*query.Insights, error)
}

// InsightsHandler handles GET /api/v1/stats/insights requests.
type InsightsHandler struct {
	reader InsightsReader
	log    *slog.Logger
}

// NewInsightsHandler creates a new insights handler.
func NewInsightsHandler(reader InsightsReader) *InsightsHandler {
	return &InsightsHandler{
		reader: reader,
		log:    logging.Component("http"),
	}
}

// ServeHTTP returns the current snapshot. Responses carry an ETag; a
// request whose If-None-Match lists it gets 304 with no body.
func (h *InsightsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	ins, err := h.reader.GetInsights(r.Context())
	if err != nil {
		logging.WithContext(r.Context(), h.log).Error("insights query failed", "error", err)
		status, message := statusFor(err)
		writeError(w, status, message, alerrors.GetCode(err), requestID)
		return
	}

	body, err := json.Marshal(ins)
	if err != nil {
		logging.WithContext(r.Context(), h.log).Error("insights encoding failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "", requestID)
		return
	}

	etag := ETag(body)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(body)
	}
}

// ETag is a strong entity tag over body using murmur3-128.
func ETag(body []byte) string {
	h1, h2 := murmur3.Sum128(body)
	return fmt.Sprintf(`"%016x%016x"`, h1, h2)
}

// matchesETag reports whether an If-None-Match header value covers etag.
func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
