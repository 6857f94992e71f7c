package proto

import (
	"errors"
	"fmt"

	"github.com/dbbouncer/pgclient/internal/auth"
	"github.com/dbbouncer/pgclient/internal/wire"
)

// Machine is the C2 connection state machine. It holds no socket and
// performs no I/O: Step consumes one Event, mutates state, and returns the
// Actions the caller (Conn) must perform. Two Machines fed the same event
// sequence from Initialized always reach the same state and emit the same
// actions (spec.md §8 invariant #4) — Step never reads a clock. The one
// random input is the SCRAM client nonce that auth.NewScramClient draws
// when the backend requests SASL authentication, which makes the SASL
// messages differ from run to run.
//
// Machine is not safe for concurrent use. Conn serializes calls to Step
// through its single read/dispatch goroutine, per spec.md §4.2's
// "re-entrancy is a bug, not a race to win" rule; entering is guarded by
// the modifying flag below, which panics rather than silently corrupting
// state if that invariant is ever violated.
type Machine struct {
	state      ConnState
	modifying  bool
}

// NewMachine returns a Machine in its initial state.
func NewMachine() *Machine { return &Machine{state: StateInitialized{}} }

// State exposes the current state for observability and tests.
func (m *Machine) State() ConnState { return m.state }

// Step is the pure transition function.
func (m *Machine) Step(ev Event) []Action {
	if m.modifying {
		panic("proto: Machine.Step called re-entrantly")
	}
	m.modifying = true
	defer func() { m.modifying = false }()

	switch st := m.state.(type) {
	case StateInitialized:
		return m.stepInitialized(st, ev)
	case StateSSLRequestSent:
		return m.stepSSLRequestSent(st, ev)
	case StateSSLNegotiated:
		return m.stepSSLNegotiated(st, ev)
	case StateWaitingToStartAuth:
		return m.stepWaitingToStartAuth(st, ev)
	case StateAuthenticating:
		return m.stepAuthenticating(st, ev)
	case StateReadyForQuery:
		return m.stepReadyForQuery(st, ev)
	case StateExtendedQuery:
		return m.stepExtendedQuery(st, ev)
	case StateCloseCommand:
		return m.stepCloseCommand(st, ev)
	case StateClosing:
		return m.stepClosing(st, ev)
	case StateClosed:
		return nil // terminal: further events are no-ops
	default:
		panic(fmt.Sprintf("proto: unhandled state %T", m.state))
	}
}

func (m *Machine) stepInitialized(_ StateInitialized, ev Event) []Action {
	switch e := ev.(type) {
	case EventConnected:
		if e.Mode == TLSDisable {
			m.state = StateWaitingToStartAuth{}
			return []Action{ActionRequestAuthContext{}}
		}
		m.state = StateSSLRequestSent{Mode: e.Mode}
		return []Action{ActionSendSSL{}}
	case EventForceClose:
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: e.Done}}
	}
	return nil
}

func (m *Machine) stepSSLRequestSent(st StateSSLRequestSent, ev Event) []Action {
	switch e := ev.(type) {
	case EventSSLReply:
		if e.Supported {
			m.state = StateSSLNegotiated{}
			return []Action{ActionEstablishTLS{}}
		}
		if st.Mode == TLSRequire {
			err := errors.New("proto: server does not support TLS but tls_mode=require")
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
		m.state = StateWaitingToStartAuth{}
		return []Action{ActionRequestAuthContext{}}
	case EventForceClose:
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: e.Done}}
	}
	return nil
}

func (m *Machine) stepSSLNegotiated(_ StateSSLNegotiated, ev Event) []Action {
	switch ev.(type) {
	case EventTLSEstablished:
		m.state = StateWaitingToStartAuth{}
		return []Action{ActionRequestAuthContext{}}
	}
	if fc, ok := ev.(EventForceClose); ok {
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: fc.Done}}
	}
	return nil
}

func (m *Machine) stepWaitingToStartAuth(_ StateWaitingToStartAuth, ev Event) []Action {
	switch e := ev.(type) {
	case EventAuthContextProvided:
		ctx := e.Ctx
		m.state = StateAuthenticating{Ctx: &ctx}
		return []Action{ActionSendStartup{Ctx: ctx}}
	case EventForceClose:
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: e.Done}}
	}
	return nil
}

func (m *Machine) stepAuthenticating(st StateAuthenticating, ev Event) []Action {
	switch e := ev.(type) {
	case EventBackendMessage:
		switch msg := e.Msg.(type) {
		case *wire.Authentication:
			return m.handleAuthMessage(st, msg)
		case *wire.BackendKeyData:
			if st.Conn == nil {
				st.Conn = newConnContext()
			}
			st.Conn.BackendKey = &wire.BackendKeyData{PID: msg.PID, SecretKey: msg.SecretKey}
			m.state = st
			return nil
		case *wire.ParameterStatus:
			if st.Conn == nil {
				st.Conn = newConnContext()
			}
			st.Conn.Params[msg.Name] = msg.Value
			m.state = st
			return nil
		case *wire.ReadyForQuery:
			if st.Conn == nil {
				st.Conn = newConnContext()
			}
			st.Conn.TxState = msg.TxStatus
			m.state = StateReadyForQuery{Ctx: st.Conn}
			return []Action{ActionConnectionReady{}}
		case *wire.ErrorResponse:
			err := errFromBackend(msg)
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
	case EventForceClose:
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: e.Done}}
	}
	return nil
}

func (m *Machine) handleAuthMessage(st StateAuthenticating, msg *wire.Authentication) []Action {
	switch msg.Kind {
	case wire.AuthOK:
		if st.Conn == nil {
			st.Conn = newConnContext()
		}
		m.state = st
		return nil
	case wire.AuthCleartextPassword:
		m.state = st
		return []Action{ActionSendCleartextPassword{Password: st.Ctx.Password}}
	case wire.AuthMD5Password:
		pw := auth.MD5Password(st.Ctx.User, st.Ctx.Password, msg.Salt)
		m.state = st
		return []Action{ActionSendMD5Password{Password: pw}}
	case wire.AuthSASL:
		if !auth.SupportsMechanism(msg.Mechanisms) {
			err := fmt.Errorf("proto: server does not offer a supported SASL mechanism (offered %v)", msg.Mechanisms)
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
		client, err := auth.NewScramClient(st.Ctx.User, st.Ctx.Password)
		if err != nil {
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
		st.SASL = &saslExchange{client: client}
		m.state = st
		return []Action{ActionSendSASLInitial{Mechanism: auth.SCRAMMechanism, Data: []byte(client.ClientFirstMessage())}}
	case wire.AuthSASLContinue:
		resp, err := st.SASL.client.HandleServerFirst(string(msg.Data))
		if err != nil {
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
		m.state = st
		return []Action{ActionSendSASLResponse{Data: []byte(resp)}}
	case wire.AuthSASLFinal:
		if err := st.SASL.client.VerifyServerFinal(string(msg.Data)); err != nil {
			m.state = StateClosed{Err: err}
			return []Action{ActionFailAuth{Err: err}}
		}
		m.state = st
		return nil
	default:
		err := fmt.Errorf("proto: unsupported authentication method %d", msg.Kind)
		m.state = StateClosed{Err: err}
		return []Action{ActionFailAuth{Err: err}}
	}
}

func (m *Machine) stepReadyForQuery(st StateReadyForQuery, ev Event) []Action {
	switch e := ev.(type) {
	case EventEnqueue:
		return m.dispatch(st.Ctx, append(st.Queue, e.Task))
	case EventGracefulClose:
		m.state = StateClosing{Done: e.Done}
		return []Action{ActionSendTerminate{Done: e.Done}}
	case EventForceClose:
		m.state = StateClosed{}
		return []Action{ActionCloseNow{Done: e.Done}}
	case EventBackendMessage:
		if notif, ok := e.Msg.(*wire.NotificationResponse); ok {
			m.state = st
			return []Action{ActionForwardNotification{Channel: notif.Channel, Payload: notif.Payload, PID: notif.PID}}
		}
		if ps, ok := e.Msg.(*wire.ParameterStatus); ok {
			st.Ctx.Params[ps.Name] = ps.Value
		}
		m.state = st
		return nil
	}
	return nil
}

// dispatch pops the next task off queue (if any) and returns the state +
// actions to begin it, or StateReadyForQuery with ActionFireIdle when the
// queue is empty.
func (m *Machine) dispatch(ctx *ConnContext, queue []*Task) []Action {
	if len(queue) == 0 {
		m.state = StateReadyForQuery{Ctx: ctx}
		return []Action{ActionFireIdle{}}
	}
	task := queue[0]
	rest := queue[1:]

	if task.Close != nil {
		msgs := [][]byte{
			(&wire.Close{Target: wire.CloseTarget(task.Close.Kind), Name: task.Close.Name}).Encode(),
			wire.Sync{}.Encode(),
		}
		m.state = StateCloseCommand{Ctx: ctx, Queue: rest, Active: task.Close}
		return []Action{ActionDispatchClose{Close: task.Close, Messages: msgs}}
	}

	q := task.Query
	encoders, phase := planQuery(q)
	msgs := make([][]byte, len(encoders))
	for i, enc := range encoders {
		msgs[i] = enc.Encode()
	}
	m.state = StateExtendedQuery{Ctx: ctx, Queue: rest, Active: q, Sub: extState{phase: phase}}
	return []Action{ActionDispatchQuery{Query: q, Messages: msgs}}
}

func (m *Machine) stepExtendedQuery(st StateExtendedQuery, ev Event) []Action {
	switch e := ev.(type) {
	case EventEnqueue:
		st.Queue = append(st.Queue, e.Task)
		m.state = st
		return nil
	case EventCancelActive:
		// The actual cancel request goes out-of-band on a separate socket
		// (pgclient.Client.CancelActive); the state machine itself has nothing to do
		// but keep streaming whatever the backend sends until it notices
		// the query was aborted via the usual ErrorResponse path.
		m.state = st
		return nil
	case EventForceClose:
		m.state = StateClosed{}
		actions := []Action{ActionCloseNow{Done: e.Done}}
		return append(actions, failAllAction(st.Active, st.Queue)...)
	case EventBackendMessage:
		if ps, ok := e.Msg.(*wire.ParameterStatus); ok {
			st.Ctx.Params[ps.Name] = ps.Value
		}
		sub, row, cols, result := stepExtended(st.Sub, st.Active, e.Msg)
		st.Sub = sub
		var actions []Action
		if cols != nil && st.Active.Consumer != nil {
			actions = append(actions, ActionSetColumns{Consumer: st.Active.Consumer, Columns: cols})
		}
		if row != nil && st.Active.Consumer != nil {
			actions = append(actions, ActionPushRow{Consumer: st.Active.Consumer, Row: row})
		}
		if result != nil {
			actions = append(actions, ActionCompleteQuery{Query: st.Active, Result: *result})
			if st.Sub.closeConn {
				// SQLSTATE class 28 (invalid authorization): the session is
				// no longer usable, so the connection closes instead of
				// returning to ReadyForQuery for the next queued task
				// (spec.md §4.2/§7).
				m.state = StateClosed{Err: result.Err}
				actions = append(actions, ActionCloseNow{Err: result.Err})
				return append(actions, failAllAction(nil, st.Queue)...)
			}
			return append(actions, m.dispatch(st.Ctx, st.Queue)...)
		}
		m.state = st
		return actions
	}
	return nil
}

func (m *Machine) stepCloseCommand(st StateCloseCommand, ev Event) []Action {
	switch e := ev.(type) {
	case EventEnqueue:
		st.Queue = append(st.Queue, e.Task)
		m.state = st
		return nil
	case EventForceClose:
		m.state = StateClosed{}
		actions := []Action{ActionCloseNow{Done: e.Done}}
		return append(actions, failAllClose(st.Active, st.Queue)...)
	case EventBackendMessage:
		switch msg := e.Msg.(type) {
		case *wire.ParameterStatus:
			st.Ctx.Params[msg.Name] = msg.Value
			m.state = st
			return nil
		case *wire.CloseComplete:
			m.state = st
			return nil
		case *wire.ReadyForQuery:
			actions := []Action{ActionCompleteClose{Close: st.Active}}
			return append(actions, m.dispatch(st.Ctx, st.Queue)...)
		case *wire.ErrorResponse:
			err := errFromBackend(msg)
			actions := []Action{ActionCompleteClose{Close: st.Active, Err: err}}
			if shouldCloseConnection(msg) {
				m.state = StateClosed{Err: err}
				return append(actions, ActionCloseNow{Err: err})
			}
			m.state = st
			return actions
		}
	}
	return nil
}

func (m *Machine) stepClosing(st StateClosing, ev Event) []Action {
	if _, ok := ev.(EventIOError); ok {
		m.state = StateClosed{Err: st.Err}
		return nil
	}
	return nil
}

func failAllAction(active *QueryContext, queue []*Task) []Action {
	var actions []Action
	if active != nil {
		actions = append(actions, ActionCompleteQuery{Query: active, Result: QueryResult{Err: ErrConnectionClosed}})
	}
	for _, t := range queue {
		t.fail(ErrConnectionClosed)
	}
	return actions
}

func failAllClose(active *CloseContext, queue []*Task) []Action {
	var actions []Action
	if active != nil {
		actions = append(actions, ActionCompleteClose{Close: active, Err: ErrConnectionClosed})
	}
	for _, t := range queue {
		t.fail(ErrConnectionClosed)
	}
	return actions
}
