package proto

import (
	"reflect"
	"testing"

	"github.com/dbbouncer/pgclient/internal/wire"
)

func actionTypes(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = reflect.TypeOf(a).Name()
	}
	return out
}

func sameShape(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("action count mismatch: got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("action[%d]: got %s, want %s (full: got %v want %v)", i, got[i], want[i], got, want)
		}
	}
}

// TestDeterminism mirrors spec.md invariant #4: two machines fed the same
// event sequence from Initialized reach the same state type and emit the
// same action type sequence.
func TestDeterminism(t *testing.T) {
	run := func() (string, []string) {
		m := NewMachine()
		var all []string
		all = append(all, actionTypes(m.Step(EventConnected{Mode: TLSDisable}))...)
		all = append(all, actionTypes(m.Step(EventAuthContextProvided{Ctx: AuthContext{User: "u", Password: "p", Database: "d"}}))...)
		all = append(all, actionTypes(m.Step(EventBackendMessage{Msg: &wire.Authentication{Kind: wire.AuthOK}}))...)
		all = append(all, actionTypes(m.Step(EventBackendMessage{Msg: &wire.BackendKeyData{PID: 1, SecretKey: 2}}))...)
		all = append(all, actionTypes(m.Step(EventBackendMessage{Msg: &wire.ReadyForQuery{TxStatus: wire.TxIdle}}))...)
		return reflect.TypeOf(m.State()).Name(), all
	}
	state1, actions1 := run()
	state2, actions2 := run()
	if state1 != state2 {
		t.Fatalf("state mismatch: %s vs %s", state1, state2)
	}
	sameShape(t, actions2, actions1)
}

func TestTLSDisableStartsAuthImmediately(t *testing.T) {
	m := NewMachine()
	actions := m.Step(EventConnected{Mode: TLSDisable})
	sameShape(t, actionTypes(actions), []string{"ActionRequestAuthContext"})
	if _, ok := m.State().(StateWaitingToStartAuth); !ok {
		t.Fatalf("expected StateWaitingToStartAuth, got %T", m.State())
	}
}

func TestTLSPreferSendsSSLRequest(t *testing.T) {
	m := NewMachine()
	actions := m.Step(EventConnected{Mode: TLSPrefer})
	sameShape(t, actionTypes(actions), []string{"ActionSendSSL"})

	actions = m.Step(EventSSLReply{Supported: false})
	sameShape(t, actionTypes(actions), []string{"ActionRequestAuthContext"})
	if _, ok := m.State().(StateWaitingToStartAuth); !ok {
		t.Fatalf("expected fallback to StateWaitingToStartAuth, got %T", m.State())
	}
}

func TestTLSRequireFailsWithoutServerSupport(t *testing.T) {
	m := NewMachine()
	m.Step(EventConnected{Mode: TLSRequire})
	actions := m.Step(EventSSLReply{Supported: false})
	sameShape(t, actionTypes(actions), []string{"ActionFailAuth"})
	if _, ok := m.State().(StateClosed); !ok {
		t.Fatalf("expected StateClosed, got %T", m.State())
	}
}

func advanceToReady(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine()
	m.Step(EventConnected{Mode: TLSDisable})
	m.Step(EventAuthContextProvided{Ctx: AuthContext{User: "u", Password: "p", Database: "d"}})
	m.Step(EventBackendMessage{Msg: &wire.Authentication{Kind: wire.AuthOK}})
	m.Step(EventBackendMessage{Msg: &wire.ParameterStatus{Name: "server_version", Value: "16.0"}})
	actions := m.Step(EventBackendMessage{Msg: &wire.ReadyForQuery{TxStatus: wire.TxIdle}})
	sameShape(t, actionTypes(actions), []string{"ActionConnectionReady"})
	if _, ok := m.State().(StateReadyForQuery); !ok {
		t.Fatalf("expected StateReadyForQuery, got %T", m.State())
	}
	return m
}

func TestMD5AuthFlow(t *testing.T) {
	m := NewMachine()
	m.Step(EventConnected{Mode: TLSDisable})
	m.Step(EventAuthContextProvided{Ctx: AuthContext{User: "u", Password: "p", Database: "d"}})
	actions := m.Step(EventBackendMessage{Msg: &wire.Authentication{Kind: wire.AuthMD5Password, Salt: [4]byte{1, 2, 3, 4}}})
	sameShape(t, actionTypes(actions), []string{"ActionSendMD5Password"})
	pw := actions[0].(ActionSendMD5Password).Password
	if pw[:3] != "md5" {
		t.Fatalf("expected md5-prefixed password, got %q", pw)
	}
}

type fakeConsumer struct {
	columns []wire.FieldFormat
	rows    []*wire.DataRow
	tag     string
	err     error
}

func (f *fakeConsumer) SetColumns(cols []wire.FieldFormat) { f.columns = cols }
func (f *fakeConsumer) PushRows(rows []*wire.DataRow) bool  { f.rows = append(f.rows, rows...); return true }
func (f *fakeConsumer) Complete(tag string, err error)      { f.tag, f.err = tag, err }
func (f *fakeConsumer) Cancelled() bool                     { return false }

func TestExtendedQueryInlineRoundTrip(t *testing.T) {
	m := advanceToReady(t)

	done := make(chan QueryResult, 1)
	consumer := &fakeConsumer{}
	q := &QueryContext{Kind: QueryInline, SQL: "select 1", Done: done, Consumer: consumer}
	actions := m.Step(EventEnqueue{Task: &Task{Query: q}})
	sameShape(t, actionTypes(actions), []string{"ActionDispatchQuery"})
	dispatch := actions[0].(ActionDispatchQuery)
	if len(dispatch.Messages) != 5 {
		t.Fatalf("expected Parse/Bind/Describe/Execute/Sync, got %d messages", len(dispatch.Messages))
	}
	if _, ok := m.State().(StateExtendedQuery); !ok {
		t.Fatalf("expected StateExtendedQuery, got %T", m.State())
	}

	m.Step(EventBackendMessage{Msg: &wire.ParseComplete{}})
	m.Step(EventBackendMessage{Msg: &wire.BindComplete{}})
	m.Step(EventBackendMessage{Msg: &wire.RowDescription{Fields: []wire.FieldFormat{{Name: "?column?"}}}})
	rowAction := m.Step(EventBackendMessage{Msg: &wire.DataRow{Values: [][]byte{[]byte("1")}}})
	sameShape(t, actionTypes(rowAction), []string{"ActionPushRow"})
	m.Step(EventBackendMessage{Msg: &wire.CommandComplete{Tag: "SELECT 1"}})
	final := m.Step(EventBackendMessage{Msg: &wire.ReadyForQuery{TxStatus: wire.TxIdle}})
	sameShape(t, actionTypes(final), []string{"ActionCompleteQuery", "ActionFireIdle"})

	select {
	case r := <-done:
		if r.Err != nil || r.CommandTag != "SELECT 1" {
			t.Fatalf("unexpected result: %+v", r)
		}
	default:
		t.Fatal("expected QueryResult delivered to Done")
	}
	if _, ok := m.State().(StateReadyForQuery); !ok {
		t.Fatalf("expected return to StateReadyForQuery, got %T", m.State())
	}
}

func TestBackendErrorDuringQueryReturnsToReady(t *testing.T) {
	m := advanceToReady(t)
	done := make(chan QueryResult, 1)
	m.Step(EventEnqueue{Task: &Task{Query: &QueryContext{Kind: QueryInline, SQL: "select bogus", Done: done}}})
	m.Step(EventBackendMessage{Msg: &wire.ErrorResponse{Fields: []wire.ErrorField{
		{Type: 'C', Value: "42703"}, {Type: 'M', Value: "column does not exist"}, {Type: 'S', Value: "ERROR"},
	}}})
	m.Step(EventBackendMessage{Msg: &wire.ReadyForQuery{TxStatus: wire.TxIdle}})

	select {
	case r := <-done:
		if r.Err == nil {
			t.Fatal("expected query error")
		}
	default:
		t.Fatal("expected QueryResult delivered to Done")
	}
	if _, ok := m.State().(StateReadyForQuery); !ok {
		t.Fatalf("expected recovery to StateReadyForQuery, got %T", m.State())
	}
}

func TestBackendAuthorizationErrorDuringQueryClosesConnection(t *testing.T) {
	m := advanceToReady(t)
	done := make(chan QueryResult, 1)
	m.Step(EventEnqueue{Task: &Task{Query: &QueryContext{Kind: QueryInline, SQL: "select 1", Done: done}}})
	m.Step(EventBackendMessage{Msg: &wire.ErrorResponse{Fields: []wire.ErrorField{
		{Type: 'C', Value: "28000"}, {Type: 'M', Value: "role dropped mid-session"}, {Type: 'S', Value: "FATAL"},
	}}})
	final := m.Step(EventBackendMessage{Msg: &wire.ReadyForQuery{TxStatus: wire.TxIdle}})
	sameShape(t, actionTypes(final), []string{"ActionCompleteQuery", "ActionCloseNow"})

	select {
	case r := <-done:
		if r.Err == nil {
			t.Fatal("expected query error")
		}
	default:
		t.Fatal("expected QueryResult delivered to Done")
	}
	if _, ok := m.State().(StateClosed); !ok {
		t.Fatalf("expected StateClosed after a class-28 error, got %T", m.State())
	}
}

func TestShouldCloseConnectionClassification(t *testing.T) {
	cases := []struct {
		state string
		want  bool
	}{
		{"28000", true},  // invalid_authorization_specification
		{"28P01", true},  // invalid_password
		{"57P01", false}, // admin_shutdown
		{"08006", false}, // connection_failure
		{"42703", false}, // undefined_column
		{"23505", false}, // unique_violation
	}
	for _, c := range cases {
		e := &wire.ErrorResponse{Fields: []wire.ErrorField{{Type: 'C', Value: c.state}}}
		if got := shouldCloseConnection(e); got != c.want {
			t.Errorf("shouldCloseConnection(%s) = %v, want %v", c.state, got, c.want)
		}
	}
}
