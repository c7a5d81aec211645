package types

import "database/sql"

// Optional holds a value that may be absent. Aggregates computed over groups
// with no usable samples are absent rather than zero; callers that need a
// number substitute explicitly with OrZero.
type Optional[T any] struct {
	value T
	valid bool
}

// Some returns a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, valid: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// FromNull converts a nullable column value.
func FromNull[T any](n sql.Null[T]) Optional[T] {
	if !n.Valid {
		return None[T]()
	}
	return Some(n.V)
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.valid
}

// Valid reports whether a value is present.
func (o Optional[T]) Valid() bool {
	return o.valid
}

// OrZero returns the value, or T's zero value when absent.
func (o Optional[T]) OrZero() T {
	return o.value
}

// EfficiencyStat is one leaderboard row: finished jobs grouped by
// (hardware, encoder, codec, resolution).
type EfficiencyStat struct {
	HardwareModel string
	Encoder       string
	VideoCodec    string
	Resolution    string

	SampleCount         int64
	AvgSpeed            Optional[float64]
	AvgSizeReductionPct Optional[float64]
	SuccessRate         Optional[float64]
}

// StabilityStat counts failures per (encoder, failure reason).
type StabilityStat struct {
	Encoder       string
	FailureReason string
	Count         int64
}

// Coverage is computed live from raw events on every read.
type Coverage struct {
	TotalJobs      int64
	UniqueHardware int64
}
