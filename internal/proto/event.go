package proto

import "github.com/dbbouncer/pgclient/internal/wire"

// Event is the input alphabet of Machine.Step (spec.md §4.2). Each concrete
// type corresponds to something the outside world told the state machine
// happened: a socket-level milestone, a decoded backend message, a caller
// enqueuing work, or a caller asking to close.
type Event interface{ connEvent() }

// EventConnected fires once the TCP connection is established, carrying the
// TLS policy the caller configured (spec.md §6 tls_mode).
type EventConnected struct{ Mode TLSMode }

// EventSSLReply reports which pseudo-message ('S' or 'N') the server sent in
// response to SSLRequest.
type EventSSLReply struct{ Supported bool }

// EventTLSEstablished fires once the TLS handshake the driver performed (in
// response to ActionEstablishTLS) completes successfully.
type EventTLSEstablished struct{}

// EventAuthContextProvided supplies the credentials the machine requested
// via ActionRequestAuthContext.
type EventAuthContextProvided struct{ Ctx AuthContext }

// EventBackendMessage wraps one decoded message from internal/wire.
type EventBackendMessage struct{ Msg wire.BackendMessage }

// EventEnqueue submits a new Task to the connection's FIFO.
type EventEnqueue struct{ Task *Task }

// EventCancelActive reports that the caller gave up on the in-flight query.
// The machine takes no local action on it and keeps processing backend
// messages; the actual cancel request goes out-of-band on a separate socket
// (spec.md SUPPLEMENTED FEATURES, CancelActive).
type EventCancelActive struct{}

// EventIOError reports a read or write failure from the driver.
type EventIOError struct{ Err error }

// EventGracefulClose asks the machine to send Terminate and close. It is
// acted on only in ReadyForQuery; while a query or close task is in flight
// the machine ignores it.
type EventGracefulClose struct{ Done chan error }

// EventForceClose asks the machine to close immediately, failing any
// in-flight or queued task.
type EventForceClose struct{ Done chan error }

func (EventConnected) connEvent()           {}
func (EventSSLReply) connEvent()            {}
func (EventTLSEstablished) connEvent()      {}
func (EventAuthContextProvided) connEvent() {}
func (EventBackendMessage) connEvent()      {}
func (EventEnqueue) connEvent()             {}
func (EventCancelActive) connEvent()        {}
func (EventIOError) connEvent()             {}
func (EventGracefulClose) connEvent()       {}
func (EventForceClose) connEvent()          {}
