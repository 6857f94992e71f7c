package wire

import (
	"bytes"
	"testing"
)

func encodeReadyForQuery(status byte) []byte {
	return []byte{'Z', 0, 0, 0, 5, status}
}

func encodeParameterStatus(k, v string) []byte {
	body := append([]byte(k), 0)
	body = append(body, v...)
	body = append(body, 0)
	buf := make([]byte, 1+4+len(body))
	buf[0] = 'S'
	putUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestDecoderBasicFraming(t *testing.T) {
	d := NewDecoder()
	d.Feed(encodeReadyForQuery('I'))

	msg, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected message, got ok=%v err=%v", ok, err)
	}
	rfq, isRFQ := msg.(*ReadyForQuery)
	if !isRFQ || rfq.TxStatus != TxIdle {
		t.Fatalf("unexpected message: %#v", msg)
	}

	_, ok, err = d.Next()
	if ok || err != nil {
		t.Fatalf("expected no more data, got ok=%v err=%v", ok, err)
	}
}

// TestDecoderSplitBoundaries asserts invariant #2 from spec.md §8: for any
// valid backend-message stream split at arbitrary byte boundaries, the
// decoder yields the same message sequence as feeding it whole.
func TestDecoderSplitBoundaries(t *testing.T) {
	var whole []byte
	whole = append(whole, encodeParameterStatus("client_encoding", "UTF8")...)
	whole = append(whole, encodeReadyForQuery('I')...)
	whole = append(whole, encodeParameterStatus("TimeZone", "UTC")...)

	wholeMsgs := decodeAll(t, whole)

	for split := 0; split <= len(whole); split++ {
		d := NewDecoder()
		var got []BackendMessage
		d.Feed(whole[:split])
		drain(t, d, &got)
		d.Feed(whole[split:])
		drain(t, d, &got)

		if len(got) != len(wholeMsgs) {
			t.Fatalf("split=%d: got %d messages, want %d", split, len(got), len(wholeMsgs))
		}
		for i := range got {
			if !sameMessage(got[i], wholeMsgs[i]) {
				t.Fatalf("split=%d: message %d differs: %#v vs %#v", split, i, got[i], wholeMsgs[i])
			}
		}
	}
}

func drain(t *testing.T, d *Decoder, out *[]BackendMessage) {
	t.Helper()
	for {
		msg, ok, err := d.Next()
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if !ok {
			return
		}
		*out = append(*out, msg)
	}
}

func decodeAll(t *testing.T, b []byte) []BackendMessage {
	t.Helper()
	d := NewDecoder()
	d.Feed(b)
	var out []BackendMessage
	drain(t, d, &out)
	return out
}

func sameMessage(a, b BackendMessage) bool {
	ps1, ok1 := a.(*ParameterStatus)
	ps2, ok2 := b.(*ParameterStatus)
	if ok1 && ok2 {
		return ps1.Name == ps2.Name && ps1.Value == ps2.Value
	}
	rfq1, ok1 := a.(*ReadyForQuery)
	rfq2, ok2 := b.(*ReadyForQuery)
	if ok1 && ok2 {
		return rfq1.TxStatus == rfq2.TxStatus
	}
	return ok1 == ok2
}

// TestDecoderUnknownMessageID asserts invariant #3: an undocumented
// identifier yields ProtocolViolation/UnknownMessageID, never a panic.
func TestDecoderUnknownMessageID(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{'?', 0, 0, 0, 4})

	_, ok, err := d.Next()
	if ok || err == nil {
		t.Fatalf("expected error for unknown id, got ok=%v err=%v", ok, err)
	}
	var decErr *DecodeError
	if !asDecodeError(err, &decErr) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	if decErr.Code != ErrUnknownMessageID {
		t.Fatalf("expected ErrUnknownMessageID, got %s", decErr.Code)
	}
}

func TestDecoderNegativeLength(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{'Z', 0xFF, 0xFF, 0xFF, 0xFF})
	_, ok, err := d.Next()
	if ok || err == nil {
		t.Fatalf("expected protocol violation, got ok=%v err=%v", ok, err)
	}
}

func TestDataRowDecoding(t *testing.T) {
	var payload []byte
	payload = append(payload, 0, 2) // 2 columns
	payload = append(payload, 0, 0, 0, 4)
	payload = append(payload, EncodeInt4(7)...)
	payload = append(payload, 0xFF, 0xFF, 0xFF, 0xFF) // NULL

	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'D'
	putUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)

	d := NewDecoder()
	d.Feed(buf)
	msg, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	row := msg.(*DataRow)
	if len(row.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(row.Values))
	}
	v, err := DecodeInt4(row.Values[0])
	if err != nil || v != 7 {
		t.Fatalf("unexpected first column: %v %v", v, err)
	}
	if row.Values[1] != nil {
		t.Fatalf("expected NULL second column")
	}
}

// TestDataRowSurvivesBufferReuse guards against a DataRow's Values aliasing
// the Decoder's internal buffer: Feed reclaims that buffer's backing array
// once fully consumed, which would otherwise corrupt an earlier DataRow a
// slow consumer hasn't read yet (spec.md §3 requires cells to slice into an
// owned buffer).
func TestDataRowSurvivesBufferReuse(t *testing.T) {
	dataRow := func(col byte) []byte {
		body := []byte{0, 1, 0, 0, 0, 1, col}
		buf := make([]byte, 1+4+len(body))
		buf[0] = 'D'
		putUint32(buf[1:5], uint32(4+len(body)))
		copy(buf[5:], body)
		return buf
	}

	d := NewDecoder()
	d.Feed(dataRow('A'))
	msg, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("first DataRow: ok=%v err=%v", ok, err)
	}
	first := msg.(*DataRow)

	// Fully consumed: the next Feed reclaims d.buf's backing array, the way
	// conn.go's read loop does between socket reads.
	d.Feed(dataRow('B'))
	msg, ok, err = d.Next()
	if err != nil || !ok {
		t.Fatalf("second DataRow: ok=%v err=%v", ok, err)
	}
	second := msg.(*DataRow)

	if !bytes.Equal(first.Values[0], []byte("A")) {
		t.Fatalf("first row corrupted by second Feed: got %q, want %q", first.Values[0], "A")
	}
	if !bytes.Equal(second.Values[0], []byte("B")) {
		t.Fatalf("second row: got %q, want %q", second.Values[0], "B")
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func TestErrorResponseFields(t *testing.T) {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, "ERROR"...)
	payload = append(payload, 0)
	payload = append(payload, 'C')
	payload = append(payload, "22P02"...)
	payload = append(payload, 0)
	payload = append(payload, 'M')
	payload = append(payload, "invalid input syntax"...)
	payload = append(payload, 0)
	payload = append(payload, 0)

	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'E'
	putUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)

	d := NewDecoder()
	d.Feed(buf)
	msg, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	er := msg.(*ErrorResponse)
	if er.SQLState() != "22P02" || !bytes.Contains([]byte(er.Message()), []byte("invalid")) {
		t.Fatalf("unexpected fields: %+v", er.Fields)
	}
}
