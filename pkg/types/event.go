// Package types provides the core data types shared by the Alembic services.
package types

import (
	"time"
)

// EventType is the job lifecycle transition an event reports.
type EventType string

const (
	EventJobStarted  EventType = "job_started"
	EventJobFinished EventType = "job_finished"
)

// Known reports whether t is one of the lifecycle transitions the
// aggregation understands. Unknown values are still stored.
func (t EventType) Known() bool {
	return t == EventJobStarted || t == EventJobFinished
}

// Status is the outcome of a finished job.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// EventInput is the client-supplied part of a RawEvent.
//
// AppVersion and EventType are required. Every other field is optional and
// nil when the client did not report it; nil is stored as NULL, never as a
// zero value.
type EventInput struct {
	AppVersion string    `json:"app_version"`
	EventType  EventType `json:"event_type"`

	Status        *Status `json:"status,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`

	HardwareModel *string `json:"hardware_model,omitempty"`
	Encoder       *string `json:"encoder,omitempty"`

	DurationMS      *int64   `json:"duration_ms,omitempty"`
	InputSizeBytes  *int64   `json:"input_size_bytes,omitempty"`
	OutputSizeBytes *int64   `json:"output_size_bytes,omitempty"`
	SpeedFactor     *float64 `json:"speed_factor,omitempty"`

	VideoCodec *string `json:"video_codec,omitempty"`
	Resolution *string `json:"resolution,omitempty"`
}

// RawEvent is one stored telemetry event. It is immutable once written.
type RawEvent struct {
	ID        EventID   `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	EventInput
}

// MarshalText encodes the id in its string form.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the string form of an id.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Ptr returns a pointer to v. Handy for filling optional EventInput fields.
func Ptr[T any](v T) *T {
	return &v
}
