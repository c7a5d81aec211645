// Package ingest accepts raw telemetry payloads and appends them to the
// event store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/pkg/types"
)

// Appender is the part of the event store ingest writes to.
type Appender interface {
	Append(ctx context.Context, in types.EventInput) (types.EventID, error)
}

// Service parses submissions and forwards them to the store unchanged.
type Service struct {
	store Appender
	log   *slog.Logger
}

// NewService creates an ingest service writing to store.
func NewService(store Appender) *Service {
	return &Service{
		store: store,
		log:   logging.Component("ingest"),
	}
}

// Handle decodes one JSON event and appends it. A payload that is not a
// single JSON object of the event shape, or that lacks app_version or
// event_type, is rejected with a VALIDATION error and nothing is written.
// Domain consistency (status only on job_finished and so on) is not checked.
func (s *Service) Handle(ctx context.Context, payload []byte) (types.EventID, error) {
	in, err := Decode(payload)
	if err != nil {
		logging.WithContext(ctx, s.log).Debug("rejected event", "code", alerrors.GetCode(err), "error", err)
		return types.EventID{}, err
	}

	id, err := s.store.Append(ctx, in)
	if err != nil {
		logging.WithContext(ctx, s.log).Error("append failed", "error", err)
		return types.EventID{}, err
	}

	log := logging.WithContext(ctx, s.log)
	if !in.EventType.Known() {
		log.Debug("unrecognized event_type stored as submitted", "id", id.String(), "event_type", string(in.EventType))
	}
	log.Debug("event accepted", "id", id.String(), "event_type", string(in.EventType))
	return id, nil
}

// eventFields are the keys Decode reads. Keys match exactly; any other key,
// including a differently cased one, is ignored.
var eventFields = map[string]bool{
	"app_version":       true,
	"event_type":        true,
	"status":            true,
	"failure_reason":    true,
	"hardware_model":    true,
	"encoder":           true,
	"duration_ms":       true,
	"input_size_bytes":  true,
	"output_size_bytes": true,
	"speed_factor":      true,
	"video_codec":       true,
	"resolution":        true,
}

// Decode parses payload into an EventInput. Unknown fields are ignored.
// app_version and event_type must be present and not null; an empty string
// is a value and is kept.
func Decode(payload []byte) (types.EventInput, error) {
	var in types.EventInput

	if !utf8.Valid(payload) {
		return in, alerrors.NewValidationError(alerrors.CodeMalformedPayload, "payload is not valid UTF-8")
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&raw); err != nil {
		return in, malformed(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return in, alerrors.NewValidationError(alerrors.CodeMalformedPayload, "unexpected data after event object")
	}

	for _, field := range []string{"app_version", "event_type"} {
		if v, ok := raw[field]; !ok || isNull(v) {
			return in, missing(field)
		}
	}

	known := make(map[string]json.RawMessage, len(eventFields))
	for k, v := range raw {
		if eventFields[k] {
			known[k] = v
		}
	}
	filtered, err := json.Marshal(known)
	if err != nil {
		return in, malformed(err)
	}
	if err := json.Unmarshal(filtered, &in); err != nil {
		return in, malformed(err)
	}
	return in, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func malformed(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field == "" {
			return alerrors.NewValidationError(alerrors.CodeMalformedPayload, "event must be a JSON object")
		}
		return alerrors.New(alerrors.ErrCategoryValidation, alerrors.CodeMalformedPayload,
			fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)).
			WithDetails(map[string]interface{}{"field": typeErr.Field})
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return alerrors.Wrap(alerrors.ErrCategoryValidation, alerrors.CodeMalformedPayload, "invalid JSON", err)
	}
	return alerrors.Wrap(alerrors.ErrCategoryValidation, alerrors.CodeMalformedPayload, "invalid event payload", err)
}

func missing(field string) error {
	return alerrors.NewValidationError(alerrors.CodeMissingField, field+" is required").
		WithDetails(map[string]interface{}{"field": field})
}
