package wire

import (
	"encoding/binary"
	"testing"
)

func TestCancelRequestEncode(t *testing.T) {
	b := (&CancelRequest{ProcessID: 42, SecretKey: 99}).Encode()

	if len(b) != 16 {
		t.Fatalf("expected a 16-byte message, got %d bytes", len(b))
	}
	if got := binary.BigEndian.Uint32(b[0:4]); got != 16 {
		t.Errorf("length field = %d, want 16", got)
	}
	if got := binary.BigEndian.Uint32(b[4:8]); got != cancelRequestCode {
		t.Errorf("cancel request code = %d, want %d", got, cancelRequestCode)
	}
	if got := binary.BigEndian.Uint32(b[8:12]); got != 42 {
		t.Errorf("process id = %d, want 42", got)
	}
	if got := binary.BigEndian.Uint32(b[12:16]); got != 99 {
		t.Errorf("secret key = %d, want 99", got)
	}
}
