package wire

import "encoding/binary"

// ProtocolVersion3 is the only frontend/backend protocol version this core
// speaks.
const ProtocolVersion3 uint32 = 3 << 16

const sslRequestCode uint32 = 80877103
const cancelRequestCode uint32 = 80877102

// StartupMessage is the first message of a connection. It omits the
// leading id byte, a quirk of the protocol (spec.md §4.1).
type StartupMessage struct {
	Parameters map[string]string
}

// Encode writes the startup message: length(4) + protocol(4) + params + \0.
func (m *StartupMessage) Encode() []byte {
	var body []byte
	body = appendUint32(body, ProtocolVersion3)
	for k, v := range m.Parameters {
		body = appendCString(body, k)
		body = appendCString(body, v)
	}
	body = append(body, 0)
	return frameNoID(body)
}

// SSLRequest is sent, also without an id byte, before the startup message
// when TLS negotiation is requested.
type SSLRequest struct{}

func (SSLRequest) Encode() []byte {
	var body []byte
	body = appendUint32(body, sslRequestCode)
	return frameNoID(body)
}

// CancelRequest is sent, also without an id byte, on a brand-new connection
// opened solely to ask the backend to abort a query in flight on another
// connection (spec.md SUPPLEMENTED FEATURES, CancelActive). The backend
// closes the socket without any reply once it has processed the request.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

func (m *CancelRequest) Encode() []byte {
	var body []byte
	body = appendUint32(body, cancelRequestCode)
	body = appendUint32(body, m.ProcessID)
	body = appendUint32(body, m.SecretKey)
	return frameNoID(body)
}

type PasswordMessage struct{ Password string }

func (m *PasswordMessage) Encode() []byte {
	var body []byte
	body = appendCString(body, m.Password)
	return frame('p', body)
}

type SASLInitialResponse struct {
	Mechanism string
	Data      []byte
}

func (m *SASLInitialResponse) Encode() []byte {
	var body []byte
	body = appendCString(body, m.Mechanism)
	if m.Data == nil {
		body = appendInt32(body, -1)
	} else {
		body = appendInt32(body, int32(len(m.Data)))
		body = append(body, m.Data...)
	}
	return frame('p', body)
}

type SASLResponse struct{ Data []byte }

func (m *SASLResponse) Encode() []byte {
	return frame('p', m.Data)
}

// Parse names the statement (may be "" for the unnamed statement), the SQL
// text, and the OIDs of its parameters (a zero entry means "infer").
type Parse struct {
	Statement string
	Query     string
	ParamOIDs []OID
}

func (m *Parse) Encode() []byte {
	var body []byte
	body = appendCString(body, m.Statement)
	body = appendCString(body, m.Query)
	body = appendUint16(body, uint16(len(m.ParamOIDs)))
	for _, oid := range m.ParamOIDs {
		body = appendUint32(body, uint32(oid))
	}
	return frame('P', body)
}

// Bind binds concrete parameter values to a portal derived from a prepared
// statement.
type Bind struct {
	Portal        string
	Statement     string
	ParamFormats  []Format
	Params        [][]byte // nil entry == SQL NULL
	ResultFormats []Format
}

func (m *Bind) Encode() []byte {
	var body []byte
	body = appendCString(body, m.Portal)
	body = appendCString(body, m.Statement)

	body = appendUint16(body, uint16(len(m.ParamFormats)))
	for _, f := range m.ParamFormats {
		body = appendUint16(body, uint16(f))
	}

	body = appendUint16(body, uint16(len(m.Params)))
	for _, p := range m.Params {
		if p == nil {
			body = appendInt32(body, -1)
			continue
		}
		body = appendInt32(body, int32(len(p)))
		body = append(body, p...)
	}

	body = appendUint16(body, uint16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		body = appendUint16(body, uint16(f))
	}
	return frame('B', body)
}

// DescribeTarget distinguishes describing a statement from a portal.
type DescribeTarget byte

const (
	DescribeStatement DescribeTarget = 'S'
	DescribePortal    DescribeTarget = 'P'
)

type Describe struct {
	Target DescribeTarget
	Name   string
}

func (m *Describe) Encode() []byte {
	var body []byte
	body = append(body, byte(m.Target))
	body = appendCString(body, m.Name)
	return frame('D', body)
}

// Execute runs the named portal. MaxRows of 0 requests all rows; this core
// never sends a nonzero value (spec.md Open Questions).
type Execute struct {
	Portal  string
	MaxRows int32
}

func (m *Execute) Encode() []byte {
	var body []byte
	body = appendCString(body, m.Portal)
	body = appendInt32(body, m.MaxRows)
	return frame('E', body)
}

type Sync struct{}

func (Sync) Encode() []byte { return frame('S', nil) }

type CloseTarget = DescribeTarget

type Close struct {
	Target CloseTarget
	Name   string
}

func (m *Close) Encode() []byte {
	var body []byte
	body = append(body, byte(m.Target))
	body = appendCString(body, m.Name)
	return frame('C', body)
}

type Terminate struct{}

func (Terminate) Encode() []byte { return frame('X', nil) }

// Query is the simple-query protocol message. Encoding is implemented for
// completeness, but nothing in internal/proto drives a response to it: this
// core's connection state machine only ever issues extended-query messages
// (Parse/Bind/Describe/Execute/Sync), including for the pool's keepalive
// probe, which runs through QueryInline rather than this message.
type Query struct{ SQL string }

func (m *Query) Encode() []byte {
	var body []byte
	body = appendCString(body, m.SQL)
	return frame('Q', body)
}

func frame(id byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = id
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	return buf
}

func frameNoID(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(body)))
	copy(buf[4:], body)
	return buf
}

func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
