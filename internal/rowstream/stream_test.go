package rowstream

import (
	"context"
	"testing"
	"time"

	"github.com/dbbouncer/pgclient/internal/wire"
)

func TestStreamPushAndDrain(t *testing.T) {
	s := New()
	s.SetColumns([]wire.FieldFormat{{Name: "id", DataType: wire.OIDInt4}})

	go func() {
		s.PushRows([]*wire.DataRow{
			{Values: [][]byte{{0, 0, 0, 1}}},
			{Values: [][]byte{{0, 0, 0, 2}}},
		})
		s.Complete("SELECT 2", nil)
	}()

	ctx := context.Background()
	rows, tag, err := s.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if tag != "SELECT 2" || len(rows) != 2 {
		t.Fatalf("unexpected result: tag=%q rows=%d", tag, len(rows))
	}
	v, err := Decode(rows[0], "id", wire.DecodeInt4)
	if err != nil || v != 1 {
		t.Fatalf("Decode: v=%d err=%v", v, err)
	}
}

func TestStreamCancelUnblocksProducer(t *testing.T) {
	s := New()
	s.target = 1
	s.SetColumns([]wire.FieldFormat{{Name: "id"}})

	pushed := make(chan bool, 1)
	go func() {
		ok := s.PushRows([]*wire.DataRow{{Values: [][]byte{{1}}}})
		ok = s.PushRows([]*wire.DataRow{{Values: [][]byte{{2}}}}) && ok
		pushed <- ok
	}()

	time.Sleep(20 * time.Millisecond) // let the second push block on the full buffer
	s.Cancel()

	select {
	case ok := <-pushed:
		if ok {
			t.Fatal("expected PushRows to report cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PushRows did not unblock after Cancel")
	}
}

func TestStreamNextRespectsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := s.Next(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestAdaptGrowsUnderProducerPressure(t *testing.T) {
	s := New()
	s.target = 4
	s.producerWaited = 1
	s.adapt()
	if s.target != 8 {
		t.Fatalf("expected target to double to 8, got %d", s.target)
	}
}

func TestAdaptShrinksUnderConsumerStarvation(t *testing.T) {
	s := New()
	s.target = 64
	s.consumerStarved = 5
	s.adapt()
	if s.target != 32 {
		t.Fatalf("expected target to halve to 32, got %d", s.target)
	}
}
