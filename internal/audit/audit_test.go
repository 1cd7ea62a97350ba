package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"go.uber.org/zap"
)

type memSink struct {
	mu     sync.Mutex
	events []*Event
	fail   bool
}

func (s *memSink) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRecorderDeliversEvents(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, 16, zap.NewNop())

	for i := 0; i < 5; i++ {
		r.Record(&Event{
			OperationID: "op-1",
			EventType:   EventTransition,
			BeforeState: domain.StateReserved,
			AfterState:  domain.StateSubmitted,
		})
	}
	r.Close()

	if sink.count() != 5 {
		t.Fatalf("delivered = %d, want 5", sink.count())
	}
	if sink.events[0].CreatedAt.IsZero() {
		t.Fatal("recorder should stamp CreatedAt")
	}
}

func TestRecordNeverBlocksOnFailingSink(t *testing.T) {
	sink := &memSink{fail: true}
	r := NewRecorder(sink, 1, zap.NewNop())
	defer r.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Record(&Event{OperationID: "op-2", EventType: EventTransition})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on failing sink")
	}
}
