// Package proto implements the per-connection state machine (spec.md §4.2,
// component C2) and its nested extended-query sub-state machine (§4.3,
// component C3): a pure function from (current state, event) to (next
// state, action) driving PostgreSQL startup, TLS negotiation,
// authentication, and the extended query protocol, plus the I/O driver
// (Conn) that executes the actions the machine emits.
package proto

import (
	"github.com/dbbouncer/pgclient/internal/wire"
)

// TLSMode selects how the connection negotiates TLS before startup.
type TLSMode int

const (
	TLSDisable TLSMode = iota
	TLSPrefer
	TLSRequire
)

// AuthContext carries the credentials the state machine needs to answer an
// authentication challenge. It is supplied once, via
// EventAuthContextProvided, after the machine emits ActionRequestAuthContext.
type AuthContext struct {
	User     string
	Password string
	Database string
	Params   map[string]string // extra startup parameters (application_name, options, ...)
}

// ConnContext accumulates the session-scoped state that outlives any single
// query: backend key data for cancellation, the append-only server
// parameter map, and the last reported transaction status (spec.md §3).
type ConnContext struct {
	BackendKey *wire.BackendKeyData
	Params     map[string]string
	TxState    wire.TransactionState
}

func newConnContext() *ConnContext {
	return &ConnContext{Params: make(map[string]string)}
}

// QueryKind distinguishes the three shapes an extended-query task can take
// (spec.md §3 Task/QueryContext).
type QueryKind int

const (
	QueryInline QueryKind = iota
	QueryPrepared
	QueryPrepareOnly
)

// BindValue is one already wire-encoded parameter value, or nil for NULL.
type BindValue struct {
	Format Format
	Bytes  []byte
}

// Format re-exports wire.Format so callers outside internal/wire need not
// import it directly for the common case of choosing bind/result format.
type Format = wire.Format

// QueryContext describes one extended-query task end to end: either inline
// SQL with binds, an already-prepared statement reference with binds, or a
// prepare-only request. Completion is delivered through Done exactly once.
type QueryContext struct {
	Kind          QueryKind
	Statement     string // prepared-statement name for Prepared/PrepareOnly
	SQL           string // inline SQL text for Inline/PrepareOnly
	ParamOIDs     []wire.OID
	Params        []BindValue
	ResultFormats []wire.Format

	// Consumer receives rows as they arrive, batched by internal/rowstream.
	// Only used when the query returns a row set; nil for PrepareOnly.
	Consumer RowConsumer

	Done chan QueryResult
}

// QueryResult is delivered to QueryContext.Done exactly once, after the
// backend reports ReadyForQuery for this exchange.
type QueryResult struct {
	CommandTag string
	Columns    []wire.FieldFormat
	ParamTypes []wire.OID // populated for PrepareOnly
	Err        error
}

// RowConsumer is the narrow interface internal/proto needs from the row
// stream (component C4, implemented in internal/rowstream) to push rows and
// learn about completion, cancellation, and demand. Keeping this interface
// here means internal/proto never imports internal/rowstream; rowstream
// itself depends only on internal/wire's message types.
type RowConsumer interface {
	// SetColumns is called once, as soon as RowDescription/NoData arrives,
	// before any PushRows call.
	SetColumns(columns []wire.FieldFormat)
	// PushRows delivers newly arrived rows. It returns whether the caller
	// should keep requesting more rows (demand signal, spec.md §4.4).
	PushRows(rows []*wire.DataRow) bool
	// Complete marks the stream done, successfully or not.
	Complete(commandTag string, err error)
	// Cancelled reports whether the consumer has detached (spec.md §4.3
	// "Cancellation (cancel())").
	Cancelled() bool
}

// CloseKind names what a Close frontend message targets.
type CloseKind byte

const (
	CloseStatement CloseKind = CloseKind(wire.DescribeStatement)
	ClosePortal    CloseKind = CloseKind(wire.DescribePortal)
)

// CloseContext describes a portal/statement close task.
type CloseContext struct {
	Kind CloseKind
	Name string
	Done chan error
}

// Task is a queued unit of work (spec.md §3). At most one Task is in flight
// per connection; further tasks wait in Machine's FIFO.
type Task struct {
	Query *QueryContext
	Close *CloseContext
}

func (t *Task) fail(err error) {
	switch {
	case t.Query != nil:
		select {
		case t.Query.Done <- QueryResult{Err: err}:
		default:
		}
	case t.Close != nil:
		select {
		case t.Close.Done <- err:
		default:
		}
	}
}
