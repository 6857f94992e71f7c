// Package pgclient is the public façade over the wire protocol core in
// internal/{wire,proto,rowstream,pool}: a Client owns one connection pool to
// one Postgres endpoint and offers query/execute/listen operations without
// exposing the extended-query state machine to callers (spec.md §7 "Public
// client façade"), in the spirit of the teacher's proxy/postgres.go dispatch
// layer and jackc/pgx's PgConn surface cited as the grounding for this
// component in SPEC_FULL.md.
package pgclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/dbbouncer/pgclient/internal/config"
	"github.com/dbbouncer/pgclient/internal/pool"
	"github.com/dbbouncer/pgclient/internal/proto"
	"github.com/dbbouncer/pgclient/internal/rowstream"
	"github.com/dbbouncer/pgclient/internal/wire"
)

// Client is a pooled connection to a single Postgres endpoint. It is safe
// for concurrent use by multiple goroutines.
type Client struct {
	cfg    *config.Config
	pool   *pool.Pool
	logger *slog.Logger

	pendingObserver pool.Observer
	pendingDialer   pool.Dialer
}

// New builds a Client from cfg but does not connect yet; call Run to start
// the pool's background maintenance loop before issuing queries.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	dial := c.pendingDialer
	if dial == nil {
		authCtx := proto.AuthContext{
			User:     cfg.Endpoint.Username,
			Password: cfg.Endpoint.Password,
			Database: cfg.Endpoint.Database,
		}
		tlsMode, _ := cfg.Endpoint.TLSPolicy()
		tlsConf := cfg.Endpoint.TLSClientConfig()

		dial = func(ctx context.Context) (*proto.Conn, error) {
			network, address := "tcp", fmt.Sprintf("%s:%d", cfg.Endpoint.Host, cfg.Endpoint.Port)
			if cfg.Endpoint.UnixSocketPath != "" {
				network, address = "unix", cfg.Endpoint.UnixSocketPath
			}
			dialCtx := ctx
			if cfg.Endpoint.ConnectTimeout > 0 {
				var cancel context.CancelFunc
				dialCtx, cancel = context.WithTimeout(ctx, cfg.Endpoint.ConnectTimeout)
				defer cancel()
			}
			return proto.Dial(dialCtx, network, address, tlsMode, tlsConf, authCtx)
		}
	}

	poolOpts := []pool.Option{pool.WithLogger(c.logger)}
	if c.pendingObserver != nil {
		poolOpts = append(poolOpts, pool.WithObserver(c.pendingObserver))
	}
	c.pool = pool.New(cfg.Pool.PoolSettings(), dial, poolOpts...)
	return c
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default slog.Logger used for pool diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver attaches a pool.Observer (e.g. internal/metrics.Observer) so
// callers can wire Prometheus or other instrumentation into pool lifecycle
// events. Must be supplied before New constructs the pool's dial closure, so
// it is applied as an Option rather than after the fact.
func WithObserver(o pool.Observer) Option {
	return func(c *Client) { c.pendingObserver = o }
}

// WithDialer overrides the Dialer New would otherwise build from cfg.Endpoint.
// Production callers have no reason to use this; it exists so tests can
// attach the pool to an in-process net.Pipe fixture instead of a real
// Postgres socket, the same seam internal/pool's own tests use.
func WithDialer(d pool.Dialer) Option {
	return func(c *Client) { c.pendingDialer = d }
}

// Run starts the pool's maintenance loop (admission, keepalive, idle
// eviction) and blocks until ctx is cancelled or the pool is closed.
func (c *Client) Run(ctx context.Context) error {
	return c.pool.Run(ctx)
}

// Close drains and closes every pooled connection.
func (c *Client) Close() {
	c.pool.Close()
}

// Stats returns a snapshot of pool occupancy, for callers that want to
// export it on their own schedule rather than via a pool.Observer.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Pool exposes the underlying connection pool for callers that wire up
// internal/debugapi or other pool-level introspection themselves; ordinary
// query code should never need it.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// WithConnection leases a connection for the duration of op and releases it
// back to the pool once op returns, whether or not op returned an error; an
// error from op does not cause the connection to be discarded. Most callers should prefer
// Query/Execute; WithConnection exists for multi-statement sequences that
// must run on the same session (spec.md §7 "Public client façade").
func (c *Client) WithConnection(ctx context.Context, op func(*proto.Conn) error) error {
	return c.pool.WithConnection(ctx, func(l *pool.Lease) error {
		return op(l.Conn())
	})
}

// RowSequence is the caller-facing handle for a streaming query result. It
// wraps a rowstream.Stream and the lease the query is running on; Close (or
// draining the stream to completion) releases the lease back to the pool.
type RowSequence struct {
	stream   *rowstream.Stream
	release  func()
	released bool
}

// Next advances to the next row. See rowstream.Stream.Next for semantics.
func (rs *RowSequence) Next(ctx context.Context) (*rowstream.Row, bool, error) {
	row, ok, err := rs.stream.Next(ctx)
	if !ok {
		rs.Close()
	}
	return row, ok, err
}

// Collect drains the sequence into memory and releases the lease. Intended
// for small result sets; prefer Next for large ones.
func (rs *RowSequence) Collect(ctx context.Context) ([]*rowstream.Row, string, error) {
	defer rs.Close()
	return rs.stream.Collect(ctx)
}

// Close detaches the consumer (cancelling the query if still in flight) and
// releases the underlying connection exactly once. Safe to call multiple
// times and safe to call after the stream has already completed normally.
func (rs *RowSequence) Close() {
	if rs.released {
		return
	}
	rs.released = true
	rs.stream.Cancel()
	rs.release()
}

// Query runs sql as an inline extended-query (Parse+Bind+Describe+Execute+
// Sync, spec.md §4.3) against a freshly leased connection and returns a
// RowSequence the caller can drain concurrently with the backend still
// streaming rows.
//
// Conn.Query blocks its caller until the backend reports ReadyForQuery, so
// dispatch happens on a background goroutine: the RowSequence returns to
// the caller as soon as the task is queued, and the lease is released only
// once that goroutine's Conn.Query call returns.
func (c *Client) Query(ctx context.Context, sql string, binds ...any) (*RowSequence, error) {
	return c.query(ctx, proto.QueryContext{Kind: proto.QueryInline, SQL: sql}, binds)
}

// Execute runs a previously prepared statement by name. Use Query for
// one-shot inline SQL and Prepare to create the statement first.
func (c *Client) Execute(ctx context.Context, statementName string, binds ...any) (*RowSequence, error) {
	return c.query(ctx, proto.QueryContext{Kind: proto.QueryPrepared, Statement: statementName}, binds)
}

// Prepare parses sql on a leased connection and returns the column OIDs the
// backend inferred for its parameters, without executing it (spec.md §3
// QueryPrepareOnly). The prepared statement persists for the lifetime of
// the underlying connection only; the pool may recycle that connection to
// another caller once the lease is released, so repeated Execute calls
// against the same statementName are only safe when issued through
// WithConnection on the same leased Conn.
func (c *Client) Prepare(ctx context.Context, statementName, sql string) ([]wire.OID, error) {
	var paramTypes []wire.OID
	err := c.WithConnection(ctx, func(conn *proto.Conn) error {
		result, err := conn.Query(ctx, &proto.QueryContext{
			Kind:      proto.QueryPrepareOnly,
			Statement: statementName,
			SQL:       sql,
		})
		if err != nil {
			return err
		}
		paramTypes = result.ParamTypes
		return nil
	})
	return paramTypes, err
}

// Listen subscribes to a LISTEN/NOTIFY channel on a dedicated, leased
// connection that is held for the lifetime of the subscription (spec.md
// SUPPLEMENTED FEATURES: LISTEN/NOTIFY). UNLISTEN is not sent automatically
// by the returned stop func: releasing the connection back to the pool (as
// stop does here) is itself sufficient to stop delivery to this
// subscriber, but the backend session stays subscribed to channel after the
// connection returns to the pool.
func (c *Client) Listen(ctx context.Context, channel string) (<-chan proto.Notification, func(), error) {
	lease, err := c.pool.Lease(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn := lease.Conn()

	_, err = conn.Query(ctx, &proto.QueryContext{Kind: proto.QueryInline, SQL: "LISTEN " + quoteIdentifier(channel)})
	if err != nil {
		c.pool.Release(lease)
		return nil, nil, err
	}

	notifications, unsubscribe := conn.Listen(channel)
	stop := func() {
		unsubscribe()
		c.pool.Release(lease)
	}
	return notifications, stop, nil
}

// CancelActive asks the backend to abort whatever query lease is currently
// running, by opening a brand-new connection and sending a CancelRequest
// carrying that connection's BackendKeyData (spec.md SUPPLEMENTED FEATURES:
// Cancel-request support). It does not itself mark the local Conn's task as
// cancelled, and neither does Conn.CancelActive; callers that also want
// PushRows to stop immediately should close the RowSequence.
func (c *Client) CancelActive(ctx context.Context, conn *proto.Conn) error {
	key := conn.BackendKeyData()
	if key == nil {
		return fmt.Errorf("pgclient: connection has no backend key data yet")
	}

	network, address := "tcp", fmt.Sprintf("%s:%d", c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	if c.cfg.Endpoint.UnixSocketPath != "" {
		network, address = "unix", c.cfg.Endpoint.UnixSocketPath
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("pgclient: dialing cancel connection: %w", err)
	}
	defer nc.Close()

	req := &wire.CancelRequest{ProcessID: key.PID, SecretKey: key.SecretKey}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetWriteDeadline(deadline)
	}
	_, err = nc.Write(req.Encode())
	return err
}

func (c *Client) query(ctx context.Context, q proto.QueryContext, binds []any) (*RowSequence, error) {
	lease, err := c.pool.Lease(ctx)
	if err != nil {
		return nil, err
	}
	conn := lease.Conn()

	params, paramOIDs, err := encodeBinds(binds)
	if err != nil {
		c.pool.Release(lease)
		return nil, fmt.Errorf("pgclient: encoding bind parameters: %w", err)
	}
	q.Params = params
	q.ParamOIDs = paramOIDs
	if len(q.ResultFormats) == 0 {
		// Single-code blanket format (spec.md §4.3): binary for every column
		// the core can decode binary-style. Without this, Bind's zero-length
		// result-format list tells the backend to return everything as text,
		// which every binary-only decoder in internal/wire/values.go rejects.
		q.ResultFormats = []wire.Format{wire.FormatBinary}
	}

	stream := rowstream.New()
	q.Consumer = stream

	released := make(chan struct{})
	go func() {
		defer close(released)
		if _, err := conn.Query(ctx, &q); err != nil {
			stream.Complete("", err)
		}
		c.pool.Release(lease)
	}()

	return &RowSequence{
		stream: stream,
		release: func() {
			<-released
		},
	}, nil
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
