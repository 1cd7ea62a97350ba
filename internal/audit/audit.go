// Package audit keeps the append-only event trail. Recording is
// fire-and-forget relative to settlement transitions: a full buffer or a
// failing sink drops the event with a warning and never blocks or rolls
// back a transition.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settleops/internal/domain"
	"go.uber.org/zap"
)

const (
	EventTransition     = "state.transition"
	EventRejected       = "operation.rejected"
	EventDuplicateEvent = "duplicate-event"
	EventReconciled     = "operation.reconciled"
)

// Event is one append-only audit entry.
type Event struct {
	OperationID   string         `json:"operation_id"`
	CorrelationID string         `json:"correlation_id"`
	EventType     string         `json:"event_type"`
	BeforeState   domain.State   `json:"before_state,omitempty"`
	AfterState    domain.State   `json:"after_state,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Sink persists events.
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// PostgresSink writes audit_events rows.
type PostgresSink struct {
	db *pgxpool.Pool
}

func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, e *Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit detail marshal: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO audit_events (operation_id, correlation_id, event_type, before_state, after_state, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.OperationID, e.CorrelationID, e.EventType, e.BeforeState, e.AfterState, detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit append failed: %w", err)
	}
	return nil
}

// ListByCorrelation returns all events for one correlation ID in temporal
// order.
func (s *PostgresSink) ListByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT operation_id, correlation_id, event_type, before_state, after_state, detail, created_at
		 FROM audit_events WHERE correlation_id = $1 ORDER BY created_at ASC, id ASC`,
		correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail []byte
		if err := rows.Scan(&e.OperationID, &e.CorrelationID, &e.EventType,
			&e.BeforeState, &e.AfterState, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recorder decouples callers from the sink through a buffered channel and a
// single writer goroutine.
type Recorder struct {
	ch     chan *Event
	sink   Sink
	logger *zap.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRecorder(sink Sink, buffer int, logger *zap.Logger) *Recorder {
	r := &Recorder{
		ch:     make(chan *Event, buffer),
		sink:   sink,
		logger: logger,
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record enqueues the event without blocking. When the buffer is full the
// event is dropped; the trail is best-effort by contract.
func (r *Recorder) Record(e *Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("audit buffer full, dropping event",
			zap.String("operation_id", e.OperationID),
			zap.String("event_type", e.EventType))
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Append(ctx, e); err != nil {
			r.logger.Warn("audit append failed",
				zap.String("operation_id", e.OperationID),
				zap.String("event_type", e.EventType),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered events and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.ch) })
	r.wg.Wait()
}
