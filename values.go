package pgclient

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbbouncer/pgclient/internal/proto"
	"github.com/dbbouncer/pgclient/internal/wire"
)

// encodeBinds converts the caller-supplied Go values passed to Query/Execute
// into wire-encoded, binary-format bind parameters plus the parameter OIDs
// the Parse message declares, following the same Go-type-to-OID mapping the
// teacher's type inference table documents for its proxy's bind rewriting
// (internal/wire's Encode* family does the actual byte-level work; this is
// only the dispatch from interface{} to the right one of them).
func encodeBinds(binds []any) ([]proto.BindValue, []wire.OID, error) {
	if len(binds) == 0 {
		return nil, nil, nil
	}
	params := make([]proto.BindValue, len(binds))
	oids := make([]wire.OID, len(binds))
	for i, v := range binds {
		bytes, oid, err := encodeBind(v)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
		oids[i] = oid
		if bytes == nil {
			params[i] = proto.BindValue{Format: wire.FormatBinary, Bytes: nil}
			continue
		}
		params[i] = proto.BindValue{Format: wire.FormatBinary, Bytes: bytes}
	}
	return params, oids, nil
}

func encodeBind(v any) ([]byte, wire.OID, error) {
	switch val := v.(type) {
	case nil:
		return nil, wire.OIDText, nil
	case bool:
		return wire.EncodeBool(val), wire.OIDBool, nil
	case int16:
		return wire.EncodeInt2(val), wire.OIDInt2, nil
	case int32:
		return wire.EncodeInt4(val), wire.OIDInt4, nil
	case int64:
		return wire.EncodeInt8(val), wire.OIDInt8, nil
	case int:
		return wire.EncodeInt8(int64(val)), wire.OIDInt8, nil
	case float32:
		return wire.EncodeFloat4(val), wire.OIDFloat4, nil
	case float64:
		return wire.EncodeFloat8(val), wire.OIDFloat8, nil
	case string:
		return wire.EncodeText(val), wire.OIDText, nil
	case []byte:
		return wire.EncodeBytea(val), wire.OIDBytea, nil
	case [16]byte:
		return wire.EncodeUUID(val), wire.OIDUUID, nil
	case time.Time:
		return wire.EncodeTimestamp(val), wire.OIDTimestampTZ, nil
	case decimal.Decimal:
		return wire.EncodeNumeric(val), wire.OIDNumeric, nil
	case *bool:
		return encodeBindPtr(val, wire.EncodeBool, wire.OIDBool)
	case *int32:
		return encodeBindPtr(val, wire.EncodeInt4, wire.OIDInt4)
	case *int64:
		return encodeBindPtr(val, wire.EncodeInt8, wire.OIDInt8)
	case *float64:
		return encodeBindPtr(val, wire.EncodeFloat8, wire.OIDFloat8)
	case *string:
		return encodeBindPtr(val, wire.EncodeText, wire.OIDText)
	case *time.Time:
		return encodeBindPtr(val, wire.EncodeTimestamp, wire.OIDTimestampTZ)
	default:
		return nil, 0, fmt.Errorf("pgclient: unsupported bind parameter type %T", v)
	}
}

// encodeBindPtr handles the common "nullable scalar" case: a nil pointer
// binds SQL NULL with the type's OID still declared, a non-nil pointer
// encodes the pointee.
func encodeBindPtr[T any](v *T, enc func(T) []byte, oid wire.OID) ([]byte, wire.OID, error) {
	if v == nil {
		return nil, oid, nil
	}
	return enc(*v), oid, nil
}
