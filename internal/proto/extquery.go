package proto

import "github.com/dbbouncer/pgclient/internal/wire"

// extPhase enumerates the steps of one extended-query exchange (spec.md
// §4.3, component C3). Rather than a deeply nested sum type per phase, the
// sub-machine is a flat struct tagged by extPhase — idiomatic for a small,
// linear protocol exchange in Go, and it keeps Machine.Step's type switch
// shallow.
type extPhase int

const (
	extParsing extPhase = iota
	extBinding
	extDescribing
	extExecuting
	extSyncing
)

// extState is the nested C3 state embedded in StateExtendedQuery.
type extState struct {
	phase      extPhase
	columns    []wire.FieldFormat
	paramTypes []wire.OID
	commandTag string
	failure    error
	closeConn  bool
}

// planQuery decides the first frontend messages to send for a Task.Query
// and the phase the sub-machine starts in, per spec.md §4.3's three task
// shapes.
func planQuery(q *QueryContext) ([]wireEncoder, extPhase) {
	portal := "" // this core only ever uses the unnamed portal
	switch q.Kind {
	case QueryInline:
		paramFormats := make([]wire.Format, len(q.Params))
		params := make([][]byte, len(q.Params))
		for i, p := range q.Params {
			paramFormats[i] = p.Format
			params[i] = p.Bytes
		}
		return []wireEncoder{
			&wire.Parse{Statement: "", Query: q.SQL, ParamOIDs: q.ParamOIDs},
			&wire.Bind{Portal: portal, Statement: "", ParamFormats: paramFormats, Params: params, ResultFormats: q.ResultFormats},
			&wire.Describe{Target: wire.DescribePortal, Name: portal},
			&wire.Execute{Portal: portal, MaxRows: 0},
			wire.Sync{},
		}, extParsing
	case QueryPrepared:
		paramFormats := make([]wire.Format, len(q.Params))
		params := make([][]byte, len(q.Params))
		for i, p := range q.Params {
			paramFormats[i] = p.Format
			params[i] = p.Bytes
		}
		return []wireEncoder{
			&wire.Bind{Portal: portal, Statement: q.Statement, ParamFormats: paramFormats, Params: params, ResultFormats: q.ResultFormats},
			&wire.Describe{Target: wire.DescribePortal, Name: portal},
			&wire.Execute{Portal: portal, MaxRows: 0},
			wire.Sync{},
		}, extBinding
	default: // QueryPrepareOnly
		return []wireEncoder{
			&wire.Parse{Statement: q.Statement, Query: q.SQL, ParamOIDs: q.ParamOIDs},
			&wire.Describe{Target: wire.DescribeStatement, Name: q.Statement},
			wire.Sync{},
		}, extParsing
	}
}

// wireEncoder is satisfied by every frontend message type in internal/wire.
type wireEncoder interface{ Encode() []byte }

// stepExtended advances the C3 sub-machine by one backend message. It
// returns the updated extState, a row to push if the message was a
// DataRow, the column list the instant it becomes known (RowDescription or
// NoData, for non-PrepareOnly tasks — nil otherwise), and, once the
// exchange reaches Sync's ReadyForQuery, a non-nil *QueryResult ready to
// deliver.
func stepExtended(sub extState, q *QueryContext, msg wire.BackendMessage) (extState, *wire.DataRow, []wire.FieldFormat, *QueryResult) {
	switch m := msg.(type) {
	case *wire.ParseComplete:
		if q.Kind == QueryPrepareOnly {
			sub.phase = extDescribing
		} else {
			sub.phase = extBinding
		}
		return sub, nil, nil, nil

	case *wire.ParameterDescription:
		sub.paramTypes = m.Types
		return sub, nil, nil, nil

	case *wire.BindComplete:
		sub.phase = extDescribing
		return sub, nil, nil, nil

	case *wire.RowDescription:
		sub.columns = m.Fields
		if q.Kind == QueryPrepareOnly {
			return sub, nil, nil, nil
		}
		sub.phase = extExecuting
		return sub, nil, m.Fields, nil

	case *wire.NoData:
		sub.columns = nil
		if q.Kind == QueryPrepareOnly {
			return sub, nil, nil, nil
		}
		sub.phase = extExecuting
		return sub, nil, []wire.FieldFormat{}, nil

	case *wire.DataRow:
		return sub, m, nil, nil

	case *wire.PortalSuspended:
		return sub, nil, nil, nil // ignored: this core always sends Execute with MaxRows 0, so the portal is never suspended

	case *wire.EmptyQueryResponse:
		sub.commandTag = ""
		sub.phase = extSyncing
		return sub, nil, nil, nil

	case *wire.CommandComplete:
		sub.commandTag = m.Tag
		sub.phase = extSyncing
		return sub, nil, nil, nil

	case *wire.ErrorResponse:
		sub.failure = errFromBackend(m)
		sub.closeConn = shouldCloseConnection(m)
		sub.phase = extSyncing
		return sub, nil, nil, nil

	case *wire.ReadyForQuery:
		if sub.failure != nil {
			return sub, nil, nil, &QueryResult{Err: sub.failure}
		}
		return sub, nil, nil, &QueryResult{
			CommandTag: sub.commandTag,
			Columns:    sub.columns,
			ParamTypes: sub.paramTypes,
		}

	default:
		return sub, nil, nil, nil
	}
}
