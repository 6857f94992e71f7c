package wire

import "fmt"

// ArrayHeader is the one-dimensional array wire layout this core supports:
// {dims:i32, hasNulls:i32, elementOID:i32, {dimLen:i32, lowerBound:i32},
// {length:i32, bytes}*}. Multi-dimensional arrays (dims > 1) are rejected;
// dims == 0 decodes as an empty array.
type ArrayHeader struct {
	ElementOID  OID
	LowerBound  int32
	HasNulls    bool
}

// EncodeArray encodes a one-dimensional array of already-encoded element
// values (nil entries become SQL NULL elements).
func EncodeArray(h ArrayHeader, elems [][]byte) []byte {
	hasNulls := int32(0)
	for _, e := range elems {
		if e == nil {
			hasNulls = 1
			break
		}
	}

	var buf []byte
	buf = appendInt32(buf, 1) // dims
	buf = appendInt32(buf, hasNulls)
	buf = appendUint32(buf, uint32(h.ElementOID))
	buf = appendInt32(buf, int32(len(elems)))
	buf = appendInt32(buf, h.LowerBound)
	for _, e := range elems {
		if e == nil {
			buf = appendInt32(buf, -1)
			continue
		}
		buf = appendInt32(buf, int32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

// DecodeArray parses the one-dimensional array layout and returns the
// element OID, lower bound, and the raw per-element byte slices (nil for
// SQL NULL elements). The caller decodes each element with the codec for
// its own target type.
func DecodeArray(b []byte) (ArrayHeader, [][]byte, error) {
	if len(b) < 12 {
		return ArrayHeader{}, nil, castErr("array", b)
	}
	dims, err := DecodeInt4(b[0:4])
	if err != nil {
		return ArrayHeader{}, nil, err
	}
	if dims == 0 {
		return ArrayHeader{ElementOID: OID(0)}, nil, nil
	}
	if dims != 1 {
		return ArrayHeader{}, nil, &CastingError{TargetType: "array", SourceBytes: b, Err: fmt.Errorf("multi-dimensional arrays (dims=%d) are not supported", dims)}
	}
	hasNulls := b[7] != 0 || b[6] != 0 || b[5] != 0 || b[4] != 0
	elemOID, err := DecodeInt4(b[8:12])
	if err != nil {
		return ArrayHeader{}, nil, err
	}

	rest := b[12:]
	if len(rest) < 8 {
		return ArrayHeader{}, nil, castErr("array", b)
	}
	dimLen, err := DecodeInt4(rest[0:4])
	if err != nil {
		return ArrayHeader{}, nil, err
	}
	lowerBound, err := DecodeInt4(rest[4:8])
	if err != nil {
		return ArrayHeader{}, nil, err
	}
	rest = rest[8:]

	elems := make([][]byte, dimLen)
	for i := int32(0); i < dimLen; i++ {
		if len(rest) < 4 {
			return ArrayHeader{}, nil, castErr("array", b)
		}
		n, err := DecodeInt4(rest[0:4])
		if err != nil {
			return ArrayHeader{}, nil, err
		}
		rest = rest[4:]
		if n < 0 {
			elems[i] = nil
			continue
		}
		if int(n) > len(rest) {
			return ArrayHeader{}, nil, castErr("array", b)
		}
		elems[i] = rest[:n]
		rest = rest[n:]
	}

	return ArrayHeader{ElementOID: OID(elemOID), LowerBound: lowerBound, HasNulls: hasNulls}, elems, nil
}
