// Package wire implements the PostgreSQL frontend/backend wire protocol
// version 3: message framing, backend message decoding, frontend message
// encoding, and the binary representations of a curated set of built-in
// types.
package wire

import "fmt"

// ErrorCode classifies a wire-level decoding or framing failure so callers
// (internal/proto) can decide whether the connection must be torn down.
type ErrorCode string

const (
	// ErrProtocolViolation is returned when a message length is negative or
	// would overflow the remaining bytes of a fully-framed message.
	ErrProtocolViolation ErrorCode = "protocol_violation"
	// ErrUnknownMessageID is returned for a backend identifier byte outside
	// the documented set.
	ErrUnknownMessageID ErrorCode = "unknown_message_id"
	// ErrFieldDecoding is returned for a malformed payload within an
	// otherwise correctly framed message (e.g. a missing null terminator).
	ErrFieldDecoding ErrorCode = "field_decoding"
)

// DecodeError is returned by Decoder.Next; the value codecs in values.go
// return CastingError instead. Offset is the byte position within the input
// buffer at which decoding failed, for diagnostics.
type DecodeError struct {
	Code      ErrorCode
	MessageID byte
	Field     string
	Offset    int
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s (id=%q field=%q offset=%d): %v", e.Code, messageIDLabel(e.MessageID), e.Field, e.Offset, e.Err)
	}
	return fmt.Sprintf("wire: %s (id=%q field=%q offset=%d)", e.Code, messageIDLabel(e.MessageID), e.Field, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func messageIDLabel(id byte) string {
	if id == 0 {
		return ""
	}
	return string(id)
}

// CastingError is surfaced to the caller when a value-level cast fails
// (type OID mismatch, malformed binary payload) while decoding a row cell.
// Unlike DecodeError, a CastingError never closes the connection.
type CastingError struct {
	Column     string
	Index      int
	TargetType string
	SourceOID  uint32
	SourceBytes []byte
	File       string
	Line       int
	Err        error
}

func (e *CastingError) Error() string {
	return fmt.Sprintf("wire: cannot cast column %q (index %d, oid %d) to %s: %v", e.Column, e.Index, e.SourceOID, e.TargetType, e.Err)
}

func (e *CastingError) Unwrap() error { return e.Err }
