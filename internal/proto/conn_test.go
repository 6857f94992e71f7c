package proto

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgclient/internal/wire"
)

// backendWriter hand-encodes the backend-side messages internal/wire only
// decodes, never encodes, mirroring how a real server would frame them.
type backendWriter struct{ conn net.Conn }

func (b backendWriter) frame(id byte, body []byte) {
	buf := make([]byte, 1+4+len(body))
	buf[0] = id
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(body)))
	copy(buf[5:], body)
	b.conn.Write(buf)
}

func (b backendWriter) authOK()       { b.frame('R', []byte{0, 0, 0, 0}) }
func (b backendWriter) paramStatus(k, v string) {
	body := append(append([]byte(k), 0), append([]byte(v), 0)...)
	b.frame('S', body)
}
func (b backendWriter) backendKeyData(pid, secret uint32) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], pid)
	binary.BigEndian.PutUint32(body[4:8], secret)
	b.frame('K', body)
}
func (b backendWriter) readyForQuery(status byte) { b.frame('Z', []byte{status}) }
func (b backendWriter) parseComplete()            { b.frame('1', nil) }
func (b backendWriter) bindComplete()             { b.frame('2', nil) }
func (b backendWriter) rowDescription(name string) {
	body := make([]byte, 0, 32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], 1)
	body = append(body, tmp[:]...)
	body = append(body, name...)
	body = append(body, 0)
	body = append(body, 0, 0, 0, 0) // table oid
	body = append(body, 0, 0)       // column attr num
	var oidBuf [4]byte
	binary.BigEndian.PutUint32(oidBuf[:], 25) // text
	body = append(body, oidBuf[:]...)
	body = append(body, 0xFF, 0xFF) // type size (varlen)
	body = append(body, 0, 0, 0, 0) // type modifier
	body = append(body, 0, 0)       // format text
	b.frame('T', body)
}
func (b backendWriter) dataRow(values ...string) {
	body := make([]byte, 0, 32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(values)))
	body = append(body, tmp[:]...)
	for _, v := range values {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		body = append(body, lenBuf[:]...)
		body = append(body, v...)
	}
	b.frame('D', body)
}
func (b backendWriter) commandComplete(tag string) {
	b.frame('C', append([]byte(tag), 0))
}

func dialOverPipe(t *testing.T) (*Conn, backendWriter, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	connCh := make(chan *Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c := &Conn{
			netConn:   clientSide,
			authCtx:   AuthContext{User: "u", Password: "p", Database: "d"},
			machine:   NewMachine(),
			dec:       wire.NewDecoder(),
			events:    make(chan Event, 16),
			raw:       make(chan rawRead, 16),
			readyOnce: make(chan error, 1),
			listeners: make(map[string][]chan Notification),
			closed:    make(chan struct{}),
		}
		c.startReader(clientSide)
		go c.loop()
		c.events <- EventConnected{Mode: TLSDisable}
		select {
		case err := <-c.readyOnce:
			if err != nil {
				errCh <- err
				return
			}
			connCh <- c
		case <-time.After(5 * time.Second):
			errCh <- context.DeadlineExceeded
		}
	}()

	bw := backendWriter{conn: serverSide}
	// Drain the StartupMessage the client sends before answering.
	buf := make([]byte, 4096)
	serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := serverSide.Read(buf); err != nil {
		t.Fatalf("reading startup message: %v", err)
	}
	bw.authOK()
	bw.paramStatus("server_version", "16.0")
	bw.backendKeyData(123, 456)
	bw.readyForQuery('I')

	select {
	case c := <-connCh:
		return c, bw, serverSide
	case err := <-errCh:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ready connection")
	}
	return nil, bw, serverSide
}

func TestConnHandshakeAndSimpleQuery(t *testing.T) {
	c, bw, serverSide := dialOverPipe(t)
	defer serverSide.Close()

	if c.BackendKeyData() == nil || c.BackendKeyData().PID != 123 {
		t.Fatalf("expected backend key data to be recorded, got %+v", c.BackendKeyData())
	}

	go func() {
		buf := make([]byte, 4096)
		serverSide.SetReadDeadline(time.Now().Add(5 * time.Second))
		serverSide.Read(buf) // Parse+Bind+Describe+Execute+Sync, ignored: we assert behavior, not bytes
		bw.parseComplete()
		bw.bindComplete()
		bw.rowDescription("greeting")
		bw.dataRow("hello")
		bw.commandComplete("SELECT 1")
		bw.readyForQuery('I')
	}()

	consumer := &fakeConsumer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Query(ctx, &QueryContext{Kind: QueryInline, SQL: "select 'hello'", Consumer: consumer})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.CommandTag != "SELECT 1" {
		t.Fatalf("unexpected command tag %q", result.CommandTag)
	}
	if len(consumer.rows) != 1 || string(consumer.rows[0].Values[0]) != "hello" {
		t.Fatalf("unexpected rows pushed to consumer: %+v", consumer.rows)
	}
	if len(consumer.columns) != 1 || consumer.columns[0].Name != "greeting" {
		t.Fatalf("unexpected columns on consumer: %+v", consumer.columns)
	}
}
