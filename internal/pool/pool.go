// Package pool implements the connection pool (spec.md §4.5, component
// C5): admission control, keepalive, exponential backoff on creation
// failure, idle eviction, and cooperative graceful shutdown over a bounded
// set of internal/proto connections. Unlike the per-connection state
// machines in internal/proto, the pool's bookkeeping is a single locked
// shared structure touched by arbitrary caller goroutines (spec.md §5); the
// lock is held for O(1) operations only — dialing and querying happen
// outside it, the way the teacher's TenantPool drops its mutex around I/O.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgclient/internal/proto"
)

// connState mirrors spec.md §4.5's per-connection state set.
type connState int

const (
	stateStarting connState = iota
	stateBackoff
	stateIdle
	stateLeased
	statePingPong
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateBackoff:
		return "backoff"
	case stateIdle:
		return "idle"
	case stateLeased:
		return "leased"
	case statePingPong:
		return "pingpong"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connIDCounter is the only process-wide mutable state (spec.md §9
// "Global mutable state"): a monotonically increasing counter handing out
// opaque connection IDs. Wraparound is acceptable; IDs are never compared
// for ordering, only for identity.
var connIDCounter atomic.Uint64

// Backoff controls the delay between connection-creation attempts after a
// failure (spec.md §4.5 "Backoff").
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) defaults() Backoff {
	if b.Base <= 0 {
		b.Base = 100 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 30 * time.Second
	}
	return b
}

// delay returns min(cap, base*2^attempt) plus a random jitter in [0, base].
func (b Backoff) delay(attempt int) time.Duration {
	b = b.defaults()
	mult := math.Pow(2, float64(attempt))
	d := time.Duration(float64(b.Base) * mult)
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(b.Base) + 1))
	return d + jitter
}

// KeepAlive configures the idle-connection health probe (spec.md §4.5
// "Keepalive").
type KeepAlive struct {
	Frequency time.Duration
	Query     string // defaults to "SELECT 1"
}

// Dialer opens and authenticates a fresh backend connection. Pool depends
// on this narrow interface rather than net.Dial directly so tests can
// substitute an in-memory factory (spec.md §8 scenario S5).
type Dialer func(ctx context.Context) (*proto.Conn, error)

// Config is the pool's admission and lifecycle configuration (spec.md §4.5
// "Configuration" and §6 connection configuration).
type Config struct {
	MinimumConnections         int
	MaximumSoftLimit           int
	MaximumHardLimit           int
	ConnectionIdleTimeout      time.Duration
	KeepAlive                  KeepAlive // zero Frequency disables keepalive
	ConnectBackoff             Backoff
	IdleSweepInterval          time.Duration // maintenance tick; defaults to 1s
}

func (c Config) withDefaults() Config {
	if c.MaximumSoftLimit <= 0 {
		c.MaximumSoftLimit = 10
	}
	if c.MaximumHardLimit <= 0 {
		c.MaximumHardLimit = c.MaximumSoftLimit
	}
	if c.MaximumHardLimit < c.MaximumSoftLimit {
		c.MaximumHardLimit = c.MaximumSoftLimit
	}
	if c.ConnectionIdleTimeout <= 0 {
		c.ConnectionIdleTimeout = 10 * time.Minute
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = time.Second
	}
	if c.KeepAlive.Query == "" {
		c.KeepAlive.Query = "SELECT 1"
	}
	return c
}

// Observer receives lifecycle notifications (spec.md §4.5 "Observability
// hooks"). Every method may be called concurrently; implementations must
// not block or call back into the Pool.
type Observer interface {
	ConnectionStarted(id uint64)
	ConnectionSucceeded(id uint64)
	ConnectionFailed(id uint64, err error)
	ConnectionClosed(id uint64)
	ConnectionLeased(id uint64)
	ConnectionReleased(id uint64)
	KeepAliveTriggered(id uint64)
	KeepAliveSucceeded(id uint64)
	KeepAliveFailed(id uint64, err error)
	RequestQueued()
	RequestDequeued()
	RequestTimeout()
}

// NoopObserver implements Observer with no-ops; embed it to implement only
// the hooks you care about.
type NoopObserver struct{}

func (NoopObserver) ConnectionStarted(uint64)        {}
func (NoopObserver) ConnectionSucceeded(uint64)       {}
func (NoopObserver) ConnectionFailed(uint64, error)   {}
func (NoopObserver) ConnectionClosed(uint64)          {}
func (NoopObserver) ConnectionLeased(uint64)          {}
func (NoopObserver) ConnectionReleased(uint64)        {}
func (NoopObserver) KeepAliveTriggered(uint64)        {}
func (NoopObserver) KeepAliveSucceeded(uint64)        {}
func (NoopObserver) KeepAliveFailed(uint64, error)    {}
func (NoopObserver) RequestQueued()                   {}
func (NoopObserver) RequestDequeued()                 {}
func (NoopObserver) RequestTimeout()                  {}

var (
	// ErrPoolShutdown is returned by Lease/WithConnection once the pool has
	// started draining (spec.md §7 taxonomy "PoolShutdown").
	ErrPoolShutdown = errors.New("pool: shutting down")
	// ErrConnectionLimitReached is reported internally when a new connection
	// would exceed the hard limit; Lease does not return it but queues the
	// caller as a waiter instead (spec.md §7 "ConnectionLimitReached").
	ErrConnectionLimitReached = errors.New("pool: connection limit reached")
)

type pooledConn struct {
	id         uint64
	generation uint64
	state      connState
	conn       *proto.Conn
	idleSince  time.Time
	createdAt  time.Time
}

type waiter struct {
	id   uint64
	resp chan *pooledConn
	done chan struct{}
}

// Pool implements spec.md §4.5's connection lifecycle over internal/proto
// connections. The invariant it upholds at every admission decision is
// spec.md §3's: usedConnections + idleConnections + pendingCreations ≤
// hardLimit.
type Pool struct {
	cfg    Config
	dial   Dialer
	obs    Observer
	logger *slog.Logger

	mu        sync.Mutex
	conns     map[uint64]*pooledConn
	idleList  []uint64 // FIFO of idle connection IDs, oldest first
	waiters   []*waiter
	creating  int // pendingCreations
	closing   bool
	closed    bool
	closeDone chan struct{}

	backoffUntil   time.Time
	backoffAttempt int

	wg sync.WaitGroup
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithObserver installs an Observer; the default is a NoopObserver.
func WithObserver(o Observer) Option { return func(p *Pool) { p.obs = o } }

// WithLogger installs a structured logger; the default discards output.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// New constructs a Pool. dial must perform the full startup handshake
// (spec.md §4.2) and return a connection in StateReadyForQuery, or an
// error. New does not itself create any connections; call Run to start
// the maintenance loop, which warms the pool up to MinimumConnections.
func New(cfg Config, dial Dialer, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		dial:      dial,
		obs:       NoopObserver{},
		logger:    slog.New(discardHandler{}),
		conns:     make(map[uint64]*pooledConn),
		closeDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Lease is a handle to a checked-out connection. Callers must call Release
// exactly once.
type Lease struct {
	pool *Pool
	pc   *pooledConn
}

// Conn exposes the underlying wire connection for issuing queries.
func (l *Lease) Conn() *proto.Conn { return l.pc.conn }

// ID returns the pool-assigned connection identifier, stable for the
// connection's lifetime.
func (l *Lease) ID() uint64 { return l.pc.id }

// Run drives admission of queued waiters, idle eviction, keepalive probing,
// and backoff expiry until ctx is cancelled, at which point it drains:
// idle connections close immediately and Run returns once those closes (and
// any eviction or keepalive work the pool started) have finished. Run does
// not wait for leased connections: they are still open when it returns and
// are closed when their lease is released (spec.md §4.5 "Shutdown").
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.closeDone)

	p.mu.Lock()
	min := p.cfg.MinimumConnections
	p.mu.Unlock()
	for i := 0; i < min; i++ {
		p.maybeCreate()
	}

	ticker := time.NewTicker(p.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick runs one maintenance pass: backoff expiry, admission for waiters,
// min-connection top-up, idle eviction, and keepalive dispatch.
func (p *Pool) tick() {
	p.mu.Lock()
	readyForBackoff := !p.backoffUntil.IsZero() && !time.Now().Before(p.backoffUntil)
	if readyForBackoff {
		p.backoffUntil = time.Time{}
	}
	needed := 0
	if !p.closing {
		live := len(p.conns)
		if live+p.creating < p.cfg.MinimumConnections {
			needed = p.cfg.MinimumConnections - live - p.creating
		}
	}
	var toEvict []uint64
	now := time.Now()
	if !p.closing {
		idleCount := len(p.idleList)
		for _, id := range p.idleList {
			pc := p.conns[id]
			if pc == nil {
				continue
			}
			if idleCount > p.cfg.MinimumConnections && now.Sub(pc.idleSince) > p.cfg.ConnectionIdleTimeout {
				toEvict = append(toEvict, id)
				idleCount--
			}
		}
	}
	var toPing []uint64
	if p.cfg.KeepAlive.Frequency > 0 && !p.closing {
		for _, id := range p.idleList {
			pc := p.conns[id]
			if pc != nil && now.Sub(pc.idleSince) >= p.cfg.KeepAlive.Frequency {
				toPing = append(toPing, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range toEvict {
		p.evictIdle(id)
	}
	for i := 0; i < needed; i++ {
		p.maybeCreate()
	}
	p.pumpWaiters()
	for _, id := range toPing {
		p.keepAlivePing(id)
	}
}

// Lease acquires a connection, creating one if admission allows, or
// blocking in FIFO order until one is released or ctx is done (spec.md
// §4.5 "Admission").
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if pc := p.popIdleLocked(); pc != nil {
		pc.state = stateLeased
		p.mu.Unlock()
		p.obs.ConnectionLeased(pc.id)
		return &Lease{pool: p, pc: pc}, nil
	}
	canSpawn := p.creating+len(p.conns) < p.cfg.MaximumHardLimit &&
		(len(p.conns) < p.cfg.MaximumSoftLimit || len(p.waiters) > 0)
	p.mu.Unlock()

	if canSpawn {
		if pc, err := p.createOne(ctx); err == nil {
			p.mu.Lock()
			pc.state = stateLeased
			p.mu.Unlock()
			p.obs.ConnectionLeased(pc.id)
			return &Lease{pool: p, pc: pc}, nil
		}
		// Creation failed: fall through to the wait queue, same as a
		// caller that arrived when the pool was already saturated.
	}

	w := &waiter{id: connIDCounter.Add(1), resp: make(chan *pooledConn, 1), done: make(chan struct{})}
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	p.obs.RequestQueued()
	go p.maybeCreate()

	select {
	case pc := <-w.resp:
		p.obs.RequestDequeued()
		p.obs.ConnectionLeased(pc.id)
		return &Lease{pool: p, pc: pc}, nil
	case <-ctx.Done():
		close(w.done)
		p.removeWaiter(w)
		p.obs.RequestTimeout()
		return nil, ctx.Err()
	}
}

// Release hands a connection to the oldest waiter or returns it to the idle
// set; once the pool is shutting down it closes the connection instead. It
// does not check whether the connection is still usable (spec.md §4.5).
func (p *Pool) Release(l *Lease) {
	if l == nil || l.pc == nil {
		return
	}
	pc := l.pc
	p.obs.ConnectionReleased(pc.id)

	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		pc.conn.ForceClose()
		p.finalizeClose(pc)
		return
	}
	pc.state = stateIdle
	pc.idleSince = time.Now()
	p.mu.Unlock()

	if w := p.popWaiter(); w != nil {
		p.mu.Lock()
		pc.state = stateLeased
		p.mu.Unlock()
		select {
		case w.resp <- pc:
			return
		case <-w.done:
			// waiter gave up between pop and send; put the connection
			// back on the idle list instead of losing it.
			p.mu.Lock()
			pc.state = stateIdle
			pc.idleSince = time.Now()
			p.mu.Unlock()
		}
	}
	p.mu.Lock()
	p.idleList = append(p.idleList, pc.id)
	p.mu.Unlock()
}

// WithConnection leases a connection for the duration of op and guarantees
// release on every exit path, including panics.
func (p *Pool) WithConnection(ctx context.Context, op func(*Lease) error) error {
	l, err := p.Lease(ctx)
	if err != nil {
		return err
	}
	defer p.Release(l)
	return op(l)
}

// Stats is a point-in-time snapshot for debugapi/metrics consumption.
type Stats struct {
	Idle     int
	Leased   int
	PingPong int
	Starting int
	Waiting  int
	Total    int
}

// Stats returns a snapshot of the pool's current composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, pc := range p.conns {
		switch pc.state {
		case stateIdle:
			s.Idle++
		case stateLeased:
			s.Leased++
		case statePingPong:
			s.PingPong++
		case stateStarting:
			s.Starting++
		}
	}
	s.Waiting = len(p.waiters)
	s.Total = len(p.conns)
	return s
}

// popIdleLocked removes and returns the oldest idle connection, if any.
// Caller must hold p.mu.
func (p *Pool) popIdleLocked() *pooledConn {
	for len(p.idleList) > 0 {
		id := p.idleList[0]
		p.idleList = p.idleList[1:]
		if pc, ok := p.conns[id]; ok && pc.state == stateIdle {
			return pc
		}
	}
	return nil
}

func (p *Pool) popWaiter() *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case <-w.done:
			continue
		default:
			return w
		}
	}
	return nil
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// pumpWaiters hands any idle connection to the oldest pending waiter; used
// after idle eviction/backoff maintenance changes availability.
func (p *Pool) pumpWaiters() {
	for {
		p.mu.Lock()
		if len(p.waiters) == 0 {
			p.mu.Unlock()
			return
		}
		pc := p.popIdleLocked()
		if pc == nil {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		w := p.popWaiter()
		if w == nil {
			p.mu.Lock()
			p.idleList = append(p.idleList, pc.id)
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		pc.state = stateLeased
		p.mu.Unlock()
		select {
		case w.resp <- pc:
		case <-w.done:
			p.mu.Lock()
			pc.state = stateIdle
			pc.idleSince = time.Now()
			p.idleList = append(p.idleList, pc.id)
			p.mu.Unlock()
		}
	}
}

// maybeCreate spawns one connection if backoff and admission allow it.
// Safe to call speculatively; it no-ops when a creation is unwarranted.
func (p *Pool) maybeCreate() {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return
	}
	if !p.backoffUntil.IsZero() && time.Now().Before(p.backoffUntil) {
		p.mu.Unlock()
		return
	}
	if p.creating+len(p.conns) >= p.cfg.MaximumHardLimit {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	go func() {
		p.createOne(context.Background())
		p.pumpWaiters()
	}()
}

// createOne dials and registers exactly one connection, applying backoff
// bookkeeping on failure (spec.md §4.5 "Backoff").
func (p *Pool) createOne(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	// The hard-limit check and the creating++ increment must be atomic
	// under the same lock acquisition: this is the only place that
	// enlarges (conns+creating), so checking it here is what makes
	// spec.md §3's "usedConnections + idleConnections + pendingCreations
	// ≤ hardLimit" invariant hold under concurrent callers (spec.md §8
	// scenario S5), not the racier pre-checks in Lease/maybeCreate.
	if p.creating+len(p.conns) >= p.cfg.MaximumHardLimit {
		p.mu.Unlock()
		return nil, ErrConnectionLimitReached
	}
	p.creating++
	p.mu.Unlock()

	id := connIDCounter.Add(1)
	p.obs.ConnectionStarted(id)

	conn, err := p.dial(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.backoffAttempt++
		p.backoffUntil = time.Now().Add(p.cfg.ConnectBackoff.delay(p.backoffAttempt))
		p.mu.Unlock()
		p.obs.ConnectionFailed(id, err)
		p.logger.Warn("pool: connection creation failed", "id", id, "err", err)
		return nil, err
	}
	p.backoffAttempt = 0
	pc := &pooledConn{id: id, state: stateIdle, conn: conn, idleSince: time.Now(), createdAt: time.Now()}
	p.conns[id] = pc
	p.idleList = append(p.idleList, id)
	p.mu.Unlock()

	p.obs.ConnectionSucceeded(id)
	return pc, nil
}

// evictIdle closes a connection that has been idle past
// ConnectionIdleTimeout while idleConnections exceeds MinimumConnections.
func (p *Pool) evictIdle(id uint64) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if !ok || pc.state != stateIdle {
		p.mu.Unlock()
		return
	}
	pc.state = stateClosing
	p.removeFromIdleListLocked(id)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pc.conn.Graceful(ctx)
		p.finalizeClose(pc)
	}()
}

// keepAlivePing runs the configured probe query against one idle
// connection (spec.md §4.5 "Keepalive"). The connection is not leasable
// while PingPong; failure evicts it.
func (p *Pool) keepAlivePing(id uint64) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if !ok || pc.state != stateIdle {
		p.mu.Unlock()
		return
	}
	pc.state = statePingPong
	p.removeFromIdleListLocked(id)
	p.mu.Unlock()

	p.obs.KeepAliveTriggered(id)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q := &proto.QueryContext{Kind: proto.QueryInline, SQL: p.cfg.KeepAlive.Query}
		_, err := pc.conn.Query(ctx, q)
		if err != nil {
			p.obs.KeepAliveFailed(id, err)
			p.mu.Lock()
			pc.state = stateClosing
			p.mu.Unlock()
			pc.conn.ForceClose()
			p.finalizeClose(pc)
			return
		}
		p.obs.KeepAliveSucceeded(id)
		p.mu.Lock()
		pc.state = stateIdle
		pc.idleSince = time.Now()
		p.idleList = append(p.idleList, id)
		p.mu.Unlock()
		p.pumpWaiters()
	}()
}

// removeFromIdleListLocked deletes id from the idle FIFO. Caller must hold
// p.mu.
func (p *Pool) removeFromIdleListLocked(id uint64) {
	for i, v := range p.idleList {
		if v == id {
			p.idleList = append(p.idleList[:i], p.idleList[i+1:]...)
			return
		}
	}
}

func (p *Pool) finalizeClose(pc *pooledConn) {
	p.mu.Lock()
	pc.state = stateClosed
	delete(p.conns, pc.id)
	p.mu.Unlock()
	p.obs.ConnectionClosed(pc.id)
}

// drain transitions the pool into shutdown: no new leases are granted,
// idle connections close immediately, waiters are failed, and in-progress
// creations are left to the dial's own ctx handling.
func (p *Pool) drain() {
	p.mu.Lock()
	p.closing = true
	idle := append([]uint64(nil), p.idleList...)
	p.idleList = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.done)
	}
	for _, id := range idle {
		p.mu.Lock()
		pc, ok := p.conns[id]
		p.mu.Unlock()
		if !ok {
			continue
		}
		p.wg.Add(1)
		go func(pc *pooledConn) {
			defer p.wg.Done()
			pc.conn.ForceClose()
			p.finalizeClose(pc)
		}(pc)
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Close forces every connection closed without waiting for Run's drain
// loop; used when the caller never called Run (e.g. in tests).
func (p *Pool) Close() {
	p.mu.Lock()
	p.closing = true
	p.closed = true
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	waiters := p.waiters
	p.waiters = nil
	p.idleList = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.done)
	}
	for _, pc := range conns {
		pc.conn.ForceClose()
		p.finalizeClose(pc)
	}
}

// discardHandler is a slog.Handler that drops every record; it backs the
// default logger so Pool never panics on a nil logger and never logs
// unless a caller opts in via WithLogger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
