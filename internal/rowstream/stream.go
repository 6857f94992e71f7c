// Package rowstream implements the adaptive row buffer between the
// connection state machine and the caller pulling rows (spec.md §4.4,
// component C4). It buffers decoded rows produced by internal/proto and
// lets callers pull them at their own pace, signalling demand back to the
// producer through an adaptive-size ring buffer rather than an unbounded
// channel.
package rowstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbbouncer/pgclient/internal/wire"
)

const (
	minTarget     = 1
	maxTarget     = 16384
	initialTarget = 64
)

// Stream implements proto.RowConsumer and is the caller-facing handle a
// query result returns. It must be constructed with New before the query
// that feeds it is dispatched.
type Stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    []*wire.DataRow
	target int

	columns  []wire.FieldFormat
	colIndex map[string]int

	producerWaited int
	consumerStarved int

	done       bool
	cancelled  bool
	err        error
	commandTag string
}

// New returns a Stream ready to be attached to a QueryContext's Consumer
// field.
func New() *Stream {
	s := &Stream{target: initialTarget}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetColumns implements proto.RowConsumer.
func (s *Stream) SetColumns(columns []wire.FieldFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns = columns
	s.colIndex = make(map[string]int, len(columns))
	for i, c := range columns {
		s.colIndex[c.Name] = i
	}
}

// PushRows implements proto.RowConsumer. It blocks, applying backpressure
// to internal/proto's single driver goroutine, whenever the buffer is at
// its current adaptive target and the consumer hasn't drained it yet.
func (s *Stream) PushRows(rows []*wire.DataRow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		for len(s.buf) >= s.target && !s.cancelled {
			s.producerWaited++
			s.cond.Wait()
		}
		if s.cancelled {
			return false
		}
		s.buf = append(s.buf, r)
		s.cond.Broadcast()
	}
	return !s.cancelled
}

// Complete implements proto.RowConsumer.
func (s *Stream) Complete(commandTag string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.commandTag = commandTag
	s.err = err
	s.cond.Broadcast()
}

// Cancelled implements proto.RowConsumer.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel detaches the consumer; any blocked PushRows call returns false
// and the buffered rows are discarded (spec.md §4.3 Cancellation).
func (s *Stream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.buf = nil
	s.cond.Broadcast()
}

// Next blocks until a row is available, the stream completes, or ctx is
// done. The returned bool is false when the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (*Row, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	// sync.Cond has no context-aware Wait; a watcher goroutine translates
	// ctx cancellation into a Broadcast so Next never blocks past ctx.Done.
	stop := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.done {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		s.consumerStarved++
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(s.buf) == 0 {
		return nil, false, s.err
	}

	row := s.buf[0]
	s.buf = s.buf[1:]
	s.adapt()
	s.cond.Broadcast()

	return &Row{raw: row, columns: s.columns, index: s.colIndex}, true, nil
}

// adapt grows target when the producer has been blocking on a full buffer
// (the consumer is the bottleneck, so buffering more smooths bursts) and
// shrinks it when the consumer keeps finding an empty buffer (the producer
// is the bottleneck, so a large buffer only wastes memory). Must be called
// with s.mu held.
func (s *Stream) adapt() {
	if s.producerWaited > 0 {
		s.target = min(s.target*2, maxTarget)
		s.producerWaited = 0
		s.consumerStarved = 0
		return
	}
	if s.consumerStarved > 4 {
		s.target = max(s.target/2, minTarget)
		s.consumerStarved = 0
	}
}

// Collect drains the stream into memory. Intended for small result sets
// and tests; production call sites should prefer Next for backpressure.
func (s *Stream) Collect(ctx context.Context) ([]*Row, string, error) {
	var rows []*Row
	for {
		row, ok, err := s.Next(ctx)
		if err != nil {
			return rows, "", err
		}
		if !ok {
			s.mu.Lock()
			tag, err := s.commandTag, s.err
			s.mu.Unlock()
			return rows, tag, err
		}
		rows = append(rows, row)
	}
}

// Row is one decoded row, with values addressable by column name.
type Row struct {
	raw     *wire.DataRow
	columns []wire.FieldFormat
	index   map[string]int
}

// Bytes returns the raw wire bytes for column, and whether the column
// exists and is non-NULL.
func (r *Row) Bytes(column string) ([]byte, bool) {
	i, ok := r.index[column]
	if !ok || i >= len(r.raw.Values) || r.raw.Values[i] == nil {
		return nil, false
	}
	return r.raw.Values[i], true
}

// Column returns the field metadata (type OID, format) for column.
func (r *Row) Column(column string) (wire.FieldFormat, bool) {
	i, ok := r.index[column]
	if !ok {
		return wire.FieldFormat{}, false
	}
	return r.columns[i], true
}

// Decode applies dec to column's raw bytes, implementing the generic
// "Row.decode(column, as: T)" operation against whichever internal/wire
// typed decoder the caller supplies (e.g. wire.DecodeInt4, wire.DecodeText).
func Decode[T any](r *Row, column string, dec func([]byte) (T, error)) (T, error) {
	var zero T
	b, ok := r.Bytes(column)
	if !ok {
		return zero, fmt.Errorf("rowstream: column %q is NULL or not present", column)
	}
	return dec(b)
}
