package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// postgresEpoch is 2000-01-01 00:00:00 UTC, the zero point for timestamp
// and date binary encodings.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// EncodeBool/DecodeBool implement the `bool` OID: a single byte, 0x00 or 0x01.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, castErr("bool", b)
	}
	return b[0] != 0, nil
}

// EncodeInt2/DecodeInt2 implement `int2`: big-endian two's complement.
func EncodeInt2(v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

func DecodeInt2(b []byte) (int16, error) {
	if len(b) != 2 {
		return 0, castErr("int2", b)
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// EncodeInt4/DecodeInt4 implement `int4`.
func EncodeInt4(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func DecodeInt4(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, castErr("int4", b)
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// EncodeInt8/DecodeInt8 implement `int8`.
func EncodeInt8(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func DecodeInt8(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, castErr("int8", b)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// EncodeFloat4/DecodeFloat4 implement `float4`: IEEE-754 big-endian bits.
func EncodeFloat4(v float32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	return b[:]
}

func DecodeFloat4(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, castErr("float4", b)
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// EncodeFloat8/DecodeFloat8 implement `float8`.
func EncodeFloat8(v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

func DecodeFloat8(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, castErr("float8", b)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// EncodeText/DecodeText implement `text`/`varchar`/`name`/`bpchar`: raw
// UTF-8 bytes, no terminator. The slice length is authoritative.
func EncodeText(v string) []byte { return []byte(v) }

func DecodeText(b []byte) (string, error) { return string(b), nil }

// EncodeBytea/DecodeBytea implement `bytea`: raw bytes, no transformation.
func EncodeBytea(v []byte) []byte { return v }

func DecodeBytea(b []byte) ([]byte, error) { return b, nil }

// EncodeUUID/DecodeUUID implement `uuid`: 16 big-endian bytes.
func EncodeUUID(v [16]byte) []byte { return v[:] }

func DecodeUUID(b []byte) ([16]byte, error) {
	var out [16]byte
	if len(b) != 16 {
		return out, castErr("uuid", b)
	}
	copy(out[:], b)
	return out, nil
}

// EncodeTimestamp/DecodeTimestamp implement `timestamp`/`timestamptz`: i64
// microseconds since the Postgres epoch, UTC.
func EncodeTimestamp(t time.Time) []byte {
	micros := t.UTC().Sub(postgresEpoch).Microseconds()
	return EncodeInt8(micros)
}

func DecodeTimestamp(b []byte) (time.Time, error) {
	micros, err := DecodeInt8(b)
	if err != nil {
		return time.Time{}, castErr("timestamp", b)
	}
	return postgresEpoch.Add(time.Duration(micros) * time.Microsecond), nil
}

// EncodeDate/DecodeDate implement `date`: i32 days since the Postgres epoch.
func EncodeDate(t time.Time) []byte {
	days := int32(t.UTC().Sub(postgresEpoch).Hours() / 24)
	return EncodeInt4(days)
}

func DecodeDate(b []byte) (time.Time, error) {
	days, err := DecodeInt4(b)
	if err != nil {
		return time.Time{}, castErr("date", b)
	}
	return postgresEpoch.AddDate(0, 0, int(days)), nil
}

// EncodeJSON/DecodeJSON implement `json`: the raw UTF-8 payload. Parsing the
// payload into a value is delegated to the caller's JSON library of choice
// (spec.md §1, out of scope for the core).
func EncodeJSON(raw []byte) []byte { return raw }

func DecodeJSON(b []byte) ([]byte, error) { return b, nil }

// jsonbVersion is the single leading version byte `jsonb` carries on the
// wire ahead of its UTF-8 payload.
const jsonbVersion = 0x01

// EncodeJSONB/DecodeJSONB implement `jsonb`: a version byte then raw UTF-8.
func EncodeJSONB(raw []byte) []byte {
	out := make([]byte, 1+len(raw))
	out[0] = jsonbVersion
	copy(out[1:], raw)
	return out
}

func DecodeJSONB(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, castErr("jsonb", b)
	}
	if b[0] != jsonbVersion {
		return nil, &CastingError{TargetType: "jsonb", SourceBytes: b, Err: fmt.Errorf("unsupported jsonb version %d", b[0])}
	}
	return b[1:], nil
}

func castErr(target string, b []byte) *CastingError {
	return &CastingError{TargetType: target, SourceBytes: b, Err: fmt.Errorf("malformed %s value (%d bytes)", target, len(b))}
}
