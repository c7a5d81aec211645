package types

import "errors"

// Event id parse errors.
var (
	// ErrInvalidIDLength is returned when an id string is not 26 characters.
	ErrInvalidIDLength = errors.New("invalid event id length")

	// ErrInvalidIDCharacter is returned when an id string contains a character
	// outside the Crockford Base32 alphabet.
	ErrInvalidIDCharacter = errors.New("invalid event id character")

	// ErrIDOverflow is returned when an id string encodes more than 128 bits.
	ErrIDOverflow = errors.New("event id overflows 128 bits")
)
