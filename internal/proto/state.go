package proto

import (
	"errors"

	"github.com/dbbouncer/pgclient/internal/wire"
)

// ConnState is the sum type of every state the machine can occupy (spec.md
// §4.2). A type switch on the concrete type is how Step inspects "current
// state", mirroring the convention used for wire.BackendMessage.
type ConnState interface{ connState() }

type StateInitialized struct{}
type StateSSLRequestSent struct{ Mode TLSMode }
type StateSSLNegotiated struct{}
type StateWaitingToStartAuth struct{}

// StateAuthenticating spans everything between StartupMessage and the
// first ReadyForQuery: whichever password/SASL challenge is in flight, and
// the BackendKeyData/ParameterStatus values accumulating into Conn (Conn
// is nil until AuthOK arrives).
type StateAuthenticating struct {
	Ctx  *AuthContext
	SASL *saslExchange
	Conn *ConnContext
}

type saslExchange struct {
	client interface {
		ClientFirstMessage() string
		HandleServerFirst(string) (string, error)
		VerifyServerFinal(string) error
	}
}

// StateReadyForQuery is the steady state: idle, or about to dispatch the
// next queued Task.
type StateReadyForQuery struct {
	Ctx   *ConnContext
	Queue []*Task
}

// StateExtendedQuery is active while a Task.Query is in flight, holding the
// nested C3 sub-machine state.
type StateExtendedQuery struct {
	Ctx    *ConnContext
	Queue  []*Task
	Active *QueryContext
	Sub    extState
}

// StateCloseCommand is active while a Task.Close is in flight.
type StateCloseCommand struct {
	Ctx    *ConnContext
	Queue  []*Task
	Active *CloseContext
}

// StateClosing means Terminate has been sent (or is about to be) and the
// machine is waiting for the driver to report the socket closed.
type StateClosing struct {
	Err  error
	Done chan error
}

// StateClosed is terminal.
type StateClosed struct {
	Err error
}

func (StateInitialized) connState()       {}
func (StateSSLRequestSent) connState()    {}
func (StateSSLNegotiated) connState()     {}
func (StateWaitingToStartAuth) connState() {}
func (StateAuthenticating) connState()    {}
func (StateReadyForQuery) connState()     {}
func (StateExtendedQuery) connState()     {}
func (StateCloseCommand) connState()      {}
func (StateClosing) connState()           {}
func (StateClosed) connState()            {}

// ErrConnectionClosed is returned to any task that is still queued or
// in-flight when the connection closes.
var ErrConnectionClosed = errors.New("proto: connection closed")

// shouldCloseConnection classifies a backend ErrorResponse the way spec.md
// §4.2/§7 require: every server error just fails the active task and
// returns the connection to ReadyForQuery, except SQLSTATE class 28
// (invalid authorization specification), which means the session itself is
// no longer authorized and the whole connection must close.
func shouldCloseConnection(e *wire.ErrorResponse) bool {
	state := e.SQLState()
	if len(state) < 2 {
		return false
	}
	return state[:2] == "28"
}
