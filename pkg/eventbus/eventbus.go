// Package eventbus implements the Canonical Event Bus (C9): idempotent,
// trace-correlated emission of typed events for every state change,
// with bounded retry and dead-letter on exhaustion.
//
// Grounded on the teacher's store/ledger.PostgresLedger
// AcquireNextPending (SELECT ... FOR UPDATE SKIP LOCKED,
// core/pkg/store/ledger/postgres_ledger.go) for the retry-claim pattern,
// and wrapped in pkg/resiliency's circuit breaker. Each sweep makes one
// dispatch attempt per claimed event; a failed event is retried on a
// later sweep.
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/somatechlat/yachaq-coordinator/pkg/resiliency"
)

// Status is a CanonicalEvent's processing lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Event is the wire-shaped canonical event (spec.md §3).
type Event struct {
	ID             string
	Seq            int64
	TraceID        string
	EventType      string
	EventName      string
	SchemaVersion  string
	IdempotencyKey string
	ActorID        string
	ActorType      string
	ResourceID     string
	ResourceType   string
	PayloadHash    string
	PayloadSummary string
	Timestamp      time.Time
	Status         Status
	RetryCount     int
	ErrorMessage   string
}

// PayloadHash hashes an arbitrary payload for the PayloadHash field; the
// bus never stores or forwards raw payload content.
func PayloadHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Dispatcher delivers a completed event to its external subscribers
// (e.g. rendezvous.Publisher, a webhook fan-out). A dispatch error is
// treated as a transient failure eligible for retry.
type Dispatcher func(ctx context.Context, event Event) error

// Bus owns the event queue, idempotency dedup window, and retry/dead
// letter lifecycle.
type Bus struct {
	mu sync.Mutex

	events         map[string]*Event
	seenIdempotency map[string]time.Time
	retentionWindow time.Duration
	maxRetries      int
	nextSeq         int64

	dispatcher Dispatcher
	breaker    *resiliency.CircuitBreaker
	retry      resiliency.RetryPolicy
	clock      func() time.Time
}

// NewBus wires the dispatcher and retry policy. retentionWindow bounds
// how long an idempotency key is remembered for dedup.
func NewBus(dispatcher Dispatcher, maxRetries int, retentionWindow time.Duration) *Bus {
	return &Bus{
		events:          make(map[string]*Event),
		seenIdempotency: make(map[string]time.Time),
		retentionWindow: retentionWindow,
		maxRetries:      maxRetries,
		dispatcher:      dispatcher,
		breaker:         resiliency.NewCircuitBreaker(5, 30*time.Second),
		retry:           resiliency.RetryPolicy{MaxAttempts: 1, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		clock:           time.Now,
	}
}

// EmitInput is Emit's input.
type EmitInput struct {
	TraceID        string
	EventType      string
	EventName      string
	SchemaVersion  string
	IdempotencyKey string
	ActorID        string
	ActorType      string
	ResourceID     string
	ResourceType   string
	PayloadHash    string
	PayloadSummary string
}

// Emit records a new event, deduplicating on IdempotencyKey within the
// retention window. A duplicate key returns the existing event and a
// false "created" flag rather than an error.
func (b *Bus) Emit(in EmitInput) (Event, bool) {
	if in.IdempotencyKey == "" {
		panic("eventbus: idempotency key is mandatory") // misconfiguration, not a runtime condition
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()
	if seenAt, ok := b.seenIdempotency[in.IdempotencyKey]; ok && now.Sub(seenAt) < b.retentionWindow {
		for _, e := range b.events {
			if e.IdempotencyKey == in.IdempotencyKey {
				return *e, false
			}
		}
	}

	b.nextSeq++
	event := &Event{
		ID:             uuid.NewString(),
		Seq:            b.nextSeq,
		TraceID:        in.TraceID,
		EventType:      in.EventType,
		EventName:      in.EventName,
		SchemaVersion:  in.SchemaVersion,
		IdempotencyKey: in.IdempotencyKey,
		ActorID:        in.ActorID,
		ActorType:      in.ActorType,
		ResourceID:     in.ResourceID,
		ResourceType:   in.ResourceType,
		PayloadHash:    in.PayloadHash,
		PayloadSummary: in.PayloadSummary,
		Timestamp:      now,
		Status:         StatusPending,
	}
	b.events[event.ID] = event
	b.seenIdempotency[in.IdempotencyKey] = now

	return *event, true
}

// ProcessPending dispatches every PENDING or FAILED event once, moving it through
// PROCESSING → COMPLETED on success or FAILED (then DEAD_LETTER once
// max_retries is exhausted) on failure. Intended to be driven by a
// periodic sweep (see pkg/lifecycle), mirroring the teacher's
// SELECT-FOR-UPDATE-SKIP-LOCKED claim semantics: each event is claimed
// by exactly one processing pass before its status changes.
func (b *Bus) ProcessPending(ctx context.Context) {
	b.mu.Lock()
	var claimed []*Event
	for _, e := range b.events {
		if e.Status == StatusPending || e.Status == StatusFailed {
			e.Status = StatusProcessing
			claimed = append(claimed, e)
		}
	}
	b.mu.Unlock()

	for _, event := range claimed {
		err := resiliency.Call(ctx, b.breaker, b.retry, func(ctx context.Context) error {
			return b.dispatcher(ctx, *event)
		})

		b.mu.Lock()
		if err != nil {
			event.RetryCount++
			event.ErrorMessage = err.Error()
			if event.RetryCount >= b.maxRetries {
				event.Status = StatusDeadLetter
			} else {
				event.Status = StatusFailed
			}
		} else {
			event.Status = StatusCompleted
		}
		b.mu.Unlock()
	}
}

// Get returns an event by id.
func (b *Bus) Get(id string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.events[id]
	if !ok {
		return Event{}, false
	}
	return *e, true
}

// ByTraceID returns every event sharing a trace id, in emission order.
// The bus preserves per-trace-id order; cross-trace order is
// unspecified (spec.md §5). Events live in a map keyed by id, so Seq
// (assigned under the lock in Emit) is what makes that order durable.
func (b *Bus) ByTraceID(traceID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.events {
		if e.TraceID == traceID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// EvictExpiredIdempotencyKeys drops dedup entries older than the
// retention window. Intended for the same periodic sweep as
// ProcessPending.
func (b *Bus) EvictExpiredIdempotencyKeys() {
	now := b.clock().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, seenAt := range b.seenIdempotency {
		if now.Sub(seenAt) >= b.retentionWindow {
			delete(b.seenIdempotency, key)
		}
	}
}
