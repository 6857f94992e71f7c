package proto

import "github.com/dbbouncer/pgclient/internal/wire"

// Action is the output alphabet of Machine.Step. The machine itself never
// touches a socket; Conn (conn.go) is the driver that interprets each
// Action and performs the corresponding I/O, keeping Step a pure function
// that is trivial to unit test (spec.md §8 invariant #4).
type Action interface{ connAction() }

// ActionSendSSL asks the driver to write an SSLRequest and await the
// single-byte reply.
type ActionSendSSL struct{}

// ActionEstablishTLS asks the driver to wrap the raw connection in a TLS
// client handshake before resuming the protocol.
type ActionEstablishTLS struct{}

// ActionSendStartup asks the driver to send the StartupMessage built from
// the given AuthContext.
type ActionSendStartup struct{ Ctx AuthContext }

// ActionRequestAuthContext asks the caller (via Conn) to supply credentials;
// the reply comes back as EventAuthContextProvided.
type ActionRequestAuthContext struct{}

// ActionSendCleartextPassword / ActionSendMD5Password / ActionSendSASL*
// carry the already-computed bytes to write for each auth mechanism.
type ActionSendCleartextPassword struct{ Password string }
type ActionSendMD5Password struct{ Password string }
type ActionSendSASLInitial struct {
	Mechanism string
	Data      []byte
}
type ActionSendSASLResponse struct{ Data []byte }

// ActionFailAuth aborts the connection attempt (unsupported mechanism,
// wrong password, forged server signature).
type ActionFailAuth struct{ Err error }

// ActionConnectionReady fires once the machine reaches ReadyForQuery for
// the first time; the driver uses it to unblock whoever is waiting for a
// usable connection (spec.md C5 admission control).
type ActionConnectionReady struct{}

// ActionDispatchQuery / ActionDispatchClose tell the driver to write the
// already-encoded frontend messages for the task now at the head of the
// FIFO (encoded by Machine.Step so the wire-format choice stays inside
// internal/proto's pure core).
type ActionDispatchQuery struct {
	Query    *QueryContext
	Messages [][]byte
}
type ActionDispatchClose struct {
	Close    *CloseContext
	Messages [][]byte
}

// ActionSetColumns delivers the row shape to the active query's consumer,
// once, before the first ActionPushRow.
type ActionSetColumns struct {
	Consumer RowConsumer
	Columns  []wire.FieldFormat
}

// ActionPushRow forwards one newly decoded row to the active query's
// consumer.
type ActionPushRow struct {
	Consumer RowConsumer
	Row      *wire.DataRow
}

// ActionCompleteQuery finishes the active query task, successfully or not.
type ActionCompleteQuery struct {
	Query  *QueryContext
	Result QueryResult
}

// ActionCompleteClose finishes the active close task.
type ActionCompleteClose struct {
	Close *CloseContext
	Err   error
}

// ActionFireIdle tells the driver the connection returned to
// ReadyForQuery with an empty FIFO. Conn takes no action on it.
type ActionFireIdle struct{}

// ActionSendTerminate asks the driver to write Terminate and then close the
// socket (graceful close, spec.md §4.2).
type ActionSendTerminate struct{ Done chan error }

// ActionCloseNow asks the driver to close the socket immediately without
// attempting a clean Terminate handshake.
type ActionCloseNow struct {
	Done chan error
	Err  error
}

// ActionForwardNotification delivers a NOTIFY payload to Listen subscribers.
type ActionForwardNotification struct {
	Channel string
	Payload string
	PID     uint32
}

func (ActionSendSSL) connAction()                 {}
func (ActionEstablishTLS) connAction()            {}
func (ActionSendStartup) connAction()             {}
func (ActionRequestAuthContext) connAction()      {}
func (ActionSendCleartextPassword) connAction()   {}
func (ActionSendMD5Password) connAction()         {}
func (ActionSendSASLInitial) connAction()         {}
func (ActionSendSASLResponse) connAction()        {}
func (ActionFailAuth) connAction()                {}
func (ActionConnectionReady) connAction()         {}
func (ActionDispatchQuery) connAction()           {}
func (ActionDispatchClose) connAction()           {}
func (ActionSetColumns) connAction()              {}
func (ActionPushRow) connAction()                 {}
func (ActionCompleteQuery) connAction()           {}
func (ActionCompleteClose) connAction()           {}
func (ActionFireIdle) connAction()                {}
func (ActionSendTerminate) connAction()           {}
func (ActionCloseNow) connAction()                {}
func (ActionForwardNotification) connAction()     {}
