package wire

import "encoding/binary"

// maxMessageLength guards against a corrupt or malicious length field
// causing an unbounded allocation. PostgreSQL messages are not expected to
// approach this size in the query paths this core implements.
const maxMessageLength = 1 << 30

// Decoder frames and decodes backend messages from an append-only byte
// buffer. Callers append newly-read bytes with Feed and repeatedly call
// Next until it reports "need more data" (ok == false, err == nil).
//
// Decoder does not itself perform I/O; it is driven by internal/proto's
// connection loop, keeping this package free of any transport dependency.
type Decoder struct {
	buf    []byte
	pos    int
	await  bool // awaitingSSLReply: set by SetAwaitingSSLReply, cleared on first byte read
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-received bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	if d.pos > 0 && d.pos == len(d.buf) {
		// Fully consumed: reset to avoid unbounded growth.
		d.buf = d.buf[:0]
		d.pos = 0
	}
	d.buf = append(d.buf, b...)
}

// SetAwaitingSSLReply arms the decoder to interpret the next single byte as
// the pre-auth SSL negotiation reply ('S' or 'N') rather than a framed
// message. Cleared automatically once that byte is consumed.
func (d *Decoder) SetAwaitingSSLReply() {
	d.await = true
}

// Next decodes and returns the next fully-framed backend message. ok is
// false (with err nil) when the buffer does not yet contain a complete
// message; the caller should Feed more bytes and retry.
func (d *Decoder) Next() (msg BackendMessage, ok bool, err error) {
	remaining := d.buf[d.pos:]

	if d.await {
		if len(remaining) < 1 {
			return nil, false, nil
		}
		b := remaining[0]
		d.pos++
		d.await = false
		switch b {
		case 'S':
			return &SSLSupported{}, true, nil
		case 'N':
			return &SSLUnsupported{}, true, nil
		default:
			return nil, false, &DecodeError{Code: ErrProtocolViolation, Offset: d.pos - 1, Field: "ssl-reply"}
		}
	}

	if len(remaining) < 5 {
		return nil, false, nil
	}

	id := remaining[0]
	length := int32(binary.BigEndian.Uint32(remaining[1:5]))
	if length < 4 || int64(length) > maxMessageLength {
		return nil, false, &DecodeError{Code: ErrProtocolViolation, MessageID: id, Offset: d.pos, Field: "length"}
	}

	total := 1 + int(length)
	if len(remaining) < total {
		return nil, false, nil
	}

	payload := remaining[5:total]
	msg, err = decodePayload(id, payload, d.pos)
	if err != nil {
		return nil, false, err
	}
	d.pos += total
	return msg, true, nil
}

func decodePayload(id byte, payload []byte, baseOffset int) (BackendMessage, error) {
	switch id {
	case idAuthentication:
		return decodeAuthentication(payload, baseOffset)
	case idBackendKeyData:
		if len(payload) < 8 {
			return nil, fieldErr(id, "backend-key-data", baseOffset)
		}
		return &BackendKeyData{
			PID:       binary.BigEndian.Uint32(payload[0:4]),
			SecretKey: binary.BigEndian.Uint32(payload[4:8]),
		}, nil
	case idParameterStatus:
		name, rest, err := readCString(payload, baseOffset, "parameter-status.name")
		if err != nil {
			return nil, err
		}
		value, _, err := readCString(rest, baseOffset, "parameter-status.value")
		if err != nil {
			return nil, err
		}
		return &ParameterStatus{Name: name, Value: value}, nil
	case idReadyForQuery:
		if len(payload) < 1 {
			return nil, fieldErr(id, "tx-status", baseOffset)
		}
		return &ReadyForQuery{TxStatus: TransactionState(payload[0])}, nil
	case 'T':
		return decodeRowDescription(payload, baseOffset)
	case idDataRow:
		return decodeDataRow(payload, baseOffset)
	case idCommandComplete:
		tag, _, err := readCString(payload, baseOffset, "command-tag")
		if err != nil {
			return nil, err
		}
		return &CommandComplete{Tag: tag}, nil
	case idEmptyQueryResponse:
		return &EmptyQueryResponse{}, nil
	case idErrorResponse:
		fields, err := decodeFields(payload, baseOffset)
		if err != nil {
			return nil, err
		}
		return &ErrorResponse{Fields: fields}, nil
	case idNoticeResponse:
		fields, err := decodeFields(payload, baseOffset)
		if err != nil {
			return nil, err
		}
		return &NoticeResponse{Fields: fields}, nil
	case idNotificationResp:
		return decodeNotification(payload, baseOffset)
	case idParameterDesc:
		return decodeParameterDescription(payload, baseOffset)
	case idParseComplete:
		return &ParseComplete{}, nil
	case idBindComplete:
		return &BindComplete{}, nil
	case idNoData:
		return &NoData{}, nil
	case idPortalSuspended:
		return &PortalSuspended{}, nil
	case idCloseComplete:
		return &CloseComplete{}, nil
	default:
		return nil, &DecodeError{Code: ErrUnknownMessageID, MessageID: id, Offset: baseOffset}
	}
}

func decodeAuthentication(payload []byte, baseOffset int) (*Authentication, error) {
	if len(payload) < 4 {
		return nil, fieldErr(idAuthentication, "auth-kind", baseOffset)
	}
	kind := AuthKind(binary.BigEndian.Uint32(payload[0:4]))
	a := &Authentication{Kind: kind}
	switch kind {
	case AuthOK, AuthKerberosV5, AuthSCMCredential, AuthGSS, AuthSSPI, AuthCleartextPassword:
		// no further payload
	case AuthMD5Password:
		if len(payload) < 8 {
			return nil, fieldErr(idAuthentication, "md5-salt", baseOffset)
		}
		copy(a.Salt[:], payload[4:8])
	case AuthSASL:
		mechs, err := splitCStrings(payload[4:], baseOffset)
		if err != nil {
			return nil, err
		}
		a.Mechanisms = mechs
	case AuthSASLContinue, AuthSASLFinal:
		a.Data = payload[4:]
	default:
		// Unrecognized auth kind: carry raw data through without
		// validating; internal/proto classifies it as unsupported.
		a.Data = payload[4:]
	}
	return a, nil
}

func decodeRowDescription(payload []byte, baseOffset int) (*RowDescription, error) {
	if len(payload) < 2 {
		return nil, fieldErr('T', "field-count", baseOffset)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	fields := make([]FieldFormat, 0, count)
	for i := 0; i < count; i++ {
		name, r, err := readCString(rest, baseOffset, "row-description.name")
		if err != nil {
			return nil, err
		}
		rest = r
		if len(rest) < 18 {
			return nil, fieldErr('T', "row-description.fixed", baseOffset)
		}
		fields = append(fields, FieldFormat{
			Name:          name,
			TableOID:      binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttrNum: int16(binary.BigEndian.Uint16(rest[4:6])),
			DataType:      OID(binary.BigEndian.Uint32(rest[6:10])),
			TypeSize:      int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeModifier:  int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:        Format(int16(binary.BigEndian.Uint16(rest[16:18]))),
		})
		rest = rest[18:]
	}
	return &RowDescription{Fields: fields}, nil
}

func decodeDataRow(payload []byte, baseOffset int) (*DataRow, error) {
	if len(payload) < 2 {
		return nil, fieldErr(idDataRow, "column-count", baseOffset)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]

	// payload aliases the Decoder's internal buf, which Feed truncates and
	// reappends to in place once fully consumed. rowstream buffers rows
	// well ahead of a lagging consumer, so that reuse would otherwise
	// corrupt cells of an already-delivered row out from under it. Copy
	// once here so Values and Raw slice into a buffer this DataRow owns
	// (spec.md §3).
	owned := append([]byte(nil), payload...)
	ownedRest := owned[2:]

	values := make([][]byte, count)
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, fieldErr(idDataRow, "value-length", baseOffset)
		}
		n := int32(binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		ownedRest = ownedRest[4:]
		if n < 0 {
			values[i] = nil
			continue
		}
		if int(n) > len(rest) {
			return nil, fieldErr(idDataRow, "value-bytes", baseOffset)
		}
		values[i] = ownedRest[:n]
		rest = rest[n:]
		ownedRest = ownedRest[n:]
	}
	return &DataRow{Values: values, Raw: owned}, nil
}

func decodeFields(payload []byte, baseOffset int) ([]ErrorField, error) {
	var fields []ErrorField
	i := 0
	for i < len(payload) {
		t := payload[i]
		if t == 0 {
			return fields, nil
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		if i >= len(payload) {
			return nil, fieldErr(idErrorResponse, "field-value", baseOffset)
		}
		fields = append(fields, ErrorField{Type: t, Value: string(payload[start:i])})
		i++
	}
	return nil, fieldErr(idErrorResponse, "terminator", baseOffset)
}

func decodeNotification(payload []byte, baseOffset int) (*NotificationResponse, error) {
	if len(payload) < 4 {
		return nil, fieldErr(idNotificationResp, "pid", baseOffset)
	}
	pid := binary.BigEndian.Uint32(payload[0:4])
	channel, rest, err := readCString(payload[4:], baseOffset, "notification.channel")
	if err != nil {
		return nil, err
	}
	msg, _, err := readCString(rest, baseOffset, "notification.payload")
	if err != nil {
		return nil, err
	}
	return &NotificationResponse{PID: pid, Channel: channel, Payload: msg}, nil
}

func decodeParameterDescription(payload []byte, baseOffset int) (*ParameterDescription, error) {
	if len(payload) < 2 {
		return nil, fieldErr(idParameterDesc, "count", baseOffset)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	if len(rest) < count*4 {
		return nil, fieldErr(idParameterDesc, "types", baseOffset)
	}
	types := make([]OID, count)
	for i := 0; i < count; i++ {
		types[i] = OID(binary.BigEndian.Uint32(rest[i*4 : i*4+4]))
	}
	return &ParameterDescription{Types: types}, nil
}

func readCString(data []byte, baseOffset int, field string) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, &DecodeError{Code: ErrFieldDecoding, Field: field, Offset: baseOffset}
}

func splitCStrings(data []byte, baseOffset int) ([]string, error) {
	var out []string
	for len(data) > 0 {
		if data[0] == 0 {
			return out, nil
		}
		s, rest, err := readCString(data, baseOffset, "cstring-list")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		data = rest
	}
	return out, nil
}

func fieldErr(id byte, field string, offset int) error {
	return &DecodeError{Code: ErrFieldDecoding, MessageID: id, Field: field, Offset: offset}
}
