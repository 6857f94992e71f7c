package pool

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbbouncer/pgclient/internal/proto"
)

// fakeServer drives the backend side of a net.Pipe: it answers startup with
// AuthenticationOK/ReadyForQuery and responds to every extended-query burst
// with a trivial one-row result, exactly enough for Pool's Dialer and
// keepalive probe to succeed without a real Postgres instance.
func fakeServer(t *testing.T, serverSide net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := serverSide.Read(buf); err != nil {
			return
		}
		frame := func(id byte, body []byte) {
			out := make([]byte, 1+4+len(body))
			out[0] = id
			binary.BigEndian.PutUint32(out[1:5], uint32(4+len(body)))
			copy(out[5:], body)
			serverSide.Write(out)
		}
		frame('R', []byte{0, 0, 0, 0}) // AuthenticationOK
		frame('Z', []byte{'I'})        // ReadyForQuery(Idle)

		for {
			serverSide.SetReadDeadline(time.Now().Add(30 * time.Second))
			n, err := serverSide.Read(buf)
			if err != nil || n == 0 {
				return
			}
			frame('1', nil)                                              // ParseComplete
			frame('2', nil)                                              // BindComplete
			rowDesc := []byte{0, 1}
			rowDesc = append(rowDesc, '?', 0)
			rowDesc = append(rowDesc, 0, 0, 0, 0, 0, 0)
			rowDesc = append(rowDesc, 0, 0, 0, 23)
			rowDesc = append(rowDesc, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0)
			frame('T', rowDesc)
			dataRow := []byte{0, 1, 0, 0, 0, 1, '1'}
			frame('D', dataRow)
			frame('C', append([]byte("SELECT 1"), 0))
			frame('Z', []byte{'I'})
		}
	}()
}

func testDialer(t *testing.T) Dialer {
	return func(ctx context.Context) (*proto.Conn, error) {
		clientSide, serverSide := net.Pipe()
		fakeServer(t, serverSide)
		return proto.Attach(ctx, clientSide, proto.TLSDisable, nil, proto.AuthContext{User: "u", Database: "d"})
	}
}

func TestPoolLeaseReleaseReusesConnection(t *testing.T) {
	p := New(Config{MinimumConnections: 0, MaximumSoftLimit: 2, MaximumHardLimit: 2}, testDialer(t))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l1, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	id1 := l1.ID()
	p.Release(l1)

	l2, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer p.Release(l2)
	if l2.ID() != id1 {
		t.Fatalf("expected released connection to be reused, got new id %d want %d", l2.ID(), id1)
	}
}

func TestPoolHardLimitCapsConcurrentCreations(t *testing.T) {
	p := New(Config{MinimumConnections: 0, MaximumSoftLimit: 4, MaximumHardLimit: 8}, testDialer(t))
	defer p.Close()

	const n = 200
	var wg sync.WaitGroup
	var maxSeen atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l, err := p.Lease(ctx)
			if err != nil {
				return
			}
			if id := int64(l.ID()); id > maxSeen.Load() {
				maxSeen.Store(id)
			}
			time.Sleep(time.Millisecond)
			p.Release(l)
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.Total > 8 {
		t.Fatalf("pool exceeded hard limit: %d live connections", s.Total)
	}
}

func TestPoolWithConnectionReleasesOnPanic(t *testing.T) {
	p := New(Config{MaximumSoftLimit: 1, MaximumHardLimit: 1}, testDialer(t))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	func() {
		defer func() { recover() }()
		p.WithConnection(ctx, func(l *Lease) error {
			panic("boom")
		})
	}()

	// The only connection must be back in the idle set, not leaked.
	l, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease after panic: %v", err)
	}
	p.Release(l)
}

func TestPoolLeaseContextCancelDoesNotLeakWaiter(t *testing.T) {
	p := New(Config{MaximumSoftLimit: 1, MaximumHardLimit: 1}, testDialer(t))
	defer p.Close()

	ctx := context.Background()
	holder, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Lease(shortCtx); err == nil {
		t.Fatal("expected context deadline error while pool is saturated")
	}

	p.Release(holder)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	l, err := p.Lease(ctx2)
	if err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
	p.Release(l)
}

func TestPoolCloseFailsSubsequentLease(t *testing.T) {
	p := New(Config{MaximumSoftLimit: 1, MaximumHardLimit: 1}, testDialer(t))
	p.Close()

	_, err := p.Lease(context.Background())
	if err != ErrPoolShutdown {
		t.Fatalf("expected ErrPoolShutdown, got %v", err)
	}
}
