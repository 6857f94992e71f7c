package proto

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/pgclient/internal/wire"
)

// Notification is one LISTEN/NOTIFY payload (SUPPLEMENTED FEATURES: Listen).
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Conn is the I/O driver around Machine: it owns the socket, runs the
// single goroutine that calls Machine.Step, and turns Actions into reads
// and writes. Everything that is not the pure transition logic lives here.
type Conn struct {
	netConn net.Conn
	tlsConf *tls.Config
	authCtx AuthContext

	machine *Machine
	dec     *wire.Decoder

	events chan Event
	raw    chan rawRead

	readyOnce chan error // closed/sent-to exactly once, when startup finishes

	mu        sync.Mutex
	listeners map[string][]chan Notification

	backendKey atomic.Pointer[wire.BackendKeyData]

	closed chan struct{}
}

type rawRead struct {
	data []byte
	err  error
}

// Dial opens a TCP or Unix-socket connection to address, performs the full
// startup handshake described in spec.md §4.2 (optional TLS negotiation,
// authentication, first ReadyForQuery), and returns a ready-to-use Conn.
func Dial(ctx context.Context, network, address string, mode TLSMode, tlsConf *tls.Config, authCtx AuthContext) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("proto: dial %s: %w", address, err)
	}
	return Attach(ctx, nc, mode, tlsConf, authCtx)
}

// Attach drives the startup handshake over an already-open byte stream.
// Dial is the production entry point; pool tests and in-process fixtures
// use Attach directly with a net.Pipe so the handshake logic under test is
// identical to what a real TCP dial exercises (spec.md §8 scenario S5).
func Attach(ctx context.Context, nc net.Conn, mode TLSMode, tlsConf *tls.Config, authCtx AuthContext) (*Conn, error) {
	c := &Conn{
		netConn:   nc,
		tlsConf:   tlsConf,
		authCtx:   authCtx,
		machine:   NewMachine(),
		dec:       wire.NewDecoder(),
		events:    make(chan Event, 16),
		raw:       make(chan rawRead, 16),
		readyOnce: make(chan error, 1),
		listeners: make(map[string][]chan Notification),
		closed:    make(chan struct{}),
	}

	c.startReader(nc)
	go c.loop()

	c.events <- EventConnected{Mode: mode}

	select {
	case err := <-c.readyOnce:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.ForceClose()
		return nil, ctx.Err()
	}
}

func (c *Conn) startReader(nc net.Conn) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := nc.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case c.raw <- rawRead{data: cp}:
				case <-c.closed:
					return
				}
			}
			if err != nil {
				select {
				case c.raw <- rawRead{err: err}:
				case <-c.closed:
				}
				return
			}
		}
	}()
}

// loop is the single goroutine that ever calls Machine.Step, satisfying
// spec.md §4.2's no-re-entrancy rule by construction rather than a lock.
func (c *Conn) loop() {
	for {
		select {
		case r := <-c.raw:
			if r.err != nil {
				c.apply(c.machine.Step(EventIOError{Err: r.err}))
				c.signalStartupDone(fmt.Errorf("proto: connection closed: %w", r.err))
				return
			}
			c.dec.Feed(r.data)
			for {
				msg, ok, err := c.dec.Next()
				if err != nil {
					c.apply(c.machine.Step(EventIOError{Err: err}))
					c.signalStartupDone(err)
					return
				}
				if !ok {
					break
				}
				c.dispatchDecoded(msg)
			}
		case ev := <-c.events:
			c.apply(c.machine.Step(ev))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) dispatchDecoded(msg wire.BackendMessage) {
	switch msg.(type) {
	case *wire.SSLSupported:
		c.apply(c.machine.Step(EventSSLReply{Supported: true}))
	case *wire.SSLUnsupported:
		c.apply(c.machine.Step(EventSSLReply{Supported: false}))
	default:
		c.apply(c.machine.Step(EventBackendMessage{Msg: msg}))
	}
}

// apply executes the side effects Step asked for. It runs on the loop
// goroutine, so it may itself call c.machine.Step (e.g. to auto-answer
// ActionRequestAuthContext) without violating the single-caller rule.
func (c *Conn) apply(actions []Action) {
	for _, a := range actions {
		switch act := a.(type) {
		case ActionSendSSL:
			c.write(wire.SSLRequest{}.Encode())
			c.dec.SetAwaitingSSLReply()
		case ActionEstablishTLS:
			c.upgradeTLS()
		case ActionRequestAuthContext:
			c.apply(c.machine.Step(EventAuthContextProvided{Ctx: c.authCtx}))
		case ActionSendStartup:
			params := map[string]string{"user": act.Ctx.User, "database": act.Ctx.Database}
			for k, v := range act.Ctx.Params {
				params[k] = v
			}
			c.write((&wire.StartupMessage{Parameters: params}).Encode())
		case ActionSendCleartextPassword:
			c.write((&wire.PasswordMessage{Password: act.Password}).Encode())
		case ActionSendMD5Password:
			c.write((&wire.PasswordMessage{Password: act.Password}).Encode())
		case ActionSendSASLInitial:
			c.write((&wire.SASLInitialResponse{Mechanism: act.Mechanism, Data: act.Data}).Encode())
		case ActionSendSASLResponse:
			c.write((&wire.SASLResponse{Data: act.Data}).Encode())
		case ActionFailAuth:
			c.signalStartupDone(act.Err)
			c.teardown()
		case ActionConnectionReady:
			if st, ok := c.machine.State().(StateReadyForQuery); ok && st.Ctx.BackendKey != nil {
				c.backendKey.Store(st.Ctx.BackendKey)
			}
			c.signalStartupDone(nil)
		case ActionDispatchQuery:
			for _, m := range act.Messages {
				c.write(m)
			}
		case ActionDispatchClose:
			for _, m := range act.Messages {
				c.write(m)
			}
		case ActionSetColumns:
			act.Consumer.SetColumns(act.Columns)
		case ActionPushRow:
			act.Consumer.PushRows([]*wire.DataRow{act.Row})
		case ActionCompleteQuery:
			if act.Query.Consumer != nil {
				act.Query.Consumer.Complete(act.Result.CommandTag, act.Result.Err)
			}
			select {
			case act.Query.Done <- act.Result:
			default:
			}
		case ActionCompleteClose:
			select {
			case act.Close.Done <- act.Err:
			default:
			}
		case ActionFireIdle:
			// No-op: nothing subscribes to the idle transition.
		case ActionSendTerminate:
			c.write(wire.Terminate{}.Encode())
			c.teardown()
			select {
			case act.Done <- nil:
			default:
			}
		case ActionCloseNow:
			c.teardown()
			if act.Done != nil {
				select {
				case act.Done <- act.Err:
				default:
				}
			}
		case ActionForwardNotification:
			c.deliverNotification(Notification{Channel: act.Channel, Payload: act.Payload, PID: act.PID})
		}
	}
}

func (c *Conn) signalStartupDone(err error) {
	select {
	case c.readyOnce <- err:
	default:
	}
}

func (c *Conn) write(b []byte) {
	if _, err := c.netConn.Write(b); err != nil {
		c.apply(c.machine.Step(EventIOError{Err: err}))
	}
}

func (c *Conn) upgradeTLS() {
	conf := c.tlsConf
	if conf == nil {
		conf = &tls.Config{}
	}
	tlsConn := tls.Client(c.netConn, conf)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		c.apply(c.machine.Step(EventIOError{Err: err}))
		return
	}
	c.netConn = tlsConn
	c.startReader(tlsConn)
	c.apply(c.machine.Step(EventTLSEstablished{}))
}

func (c *Conn) teardown() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	_ = c.netConn.Close()
}

func (c *Conn) deliverNotification(n Notification) {
	c.mu.Lock()
	subs := append([]chan Notification(nil), c.listeners[n.Channel]...)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Listen registers interest in a NOTIFY channel. Callers must still issue a
// LISTEN <channel> statement themselves via Query; Listen only wires up
// local delivery of subsequent NotificationResponse messages (spec.md
// SUPPLEMENTED FEATURES). The returned func unregisters.
func (c *Conn) Listen(channel string) (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	c.mu.Lock()
	c.listeners[channel] = append(c.listeners[channel], ch)
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.listeners[channel]
		for i, s := range subs {
			if s == ch {
				c.listeners[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// enqueue submits a task and blocks until the events channel accepts it or
// ctx is done.
func (c *Conn) enqueue(ctx context.Context, t *Task) error {
	select {
	case c.events <- EventEnqueue{Task: t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// Query runs an extended-query exchange and returns once ReadyForQuery is
// reported. consumer may be nil for statements with no row set.
func (c *Conn) Query(ctx context.Context, q *QueryContext) (QueryResult, error) {
	q.Done = make(chan QueryResult, 1)
	if err := c.enqueue(ctx, &Task{Query: q}); err != nil {
		return QueryResult{}, err
	}
	select {
	case r := <-q.Done:
		return r, r.Err
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	case <-c.closed:
		return QueryResult{}, ErrConnectionClosed
	}
}

// CloseTarget closes a prepared statement or portal by name.
func (c *Conn) CloseTarget(ctx context.Context, kind CloseKind, name string) error {
	cc := &CloseContext{Kind: kind, Name: name, Done: make(chan error, 1)}
	if err := c.enqueue(ctx, &Task{Close: cc}); err != nil {
		return err
	}
	select {
	case err := <-cc.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// CancelActive notifies the state machine that the caller gave up on the
// in-flight query; the machine takes no local action on it. It does not
// itself send the out-of-band cancel request (pgclient.Client.CancelActive
// issues that on a fresh socket per spec.md SUPPLEMENTED FEATURES,
// CancelActive).
func (c *Conn) CancelActive() {
	select {
	case c.events <- EventCancelActive{}:
	case <-c.closed:
	}
}

// BackendKeyData returns the values needed to build a CancelRequest, or nil
// before authentication completes. Safe to call from any goroutine.
func (c *Conn) BackendKeyData() *wire.BackendKeyData {
	return c.backendKey.Load()
}

// Graceful sends Terminate and waits for the socket to close. The request
// takes effect only while no task is in flight: if a query or close task is
// running when it arrives, the state machine drops it, no Terminate is sent,
// and Graceful returns ctx.Err() once ctx is done.
func (c *Conn) Graceful(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case c.events <- EventGracefulClose{Done: done}:
	case <-c.closed:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceClose closes the socket immediately, failing any in-flight or
// queued task with ErrConnectionClosed.
func (c *Conn) ForceClose() {
	done := make(chan error, 1)
	select {
	case c.events <- EventForceClose{Done: done}:
		<-done
	case <-c.closed:
	}
}

// RemoteAddr exposes the peer address for logging/metrics.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }
