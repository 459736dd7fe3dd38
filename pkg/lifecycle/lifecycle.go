// Package lifecycle implements the Request Lifecycle Coordinator (C8):
// the owner of the request state machine that sequences C3 (intake),
// C5 (rate limiting), C4 (policy review) and C6 (publication) into one
// guarded flow, plus the periodic maintenance ticker shared by C5's GC
// and decay and C9's retry sweep.
//
// Grounded on the teacher's apps/helm-node/main.go composition style
// (a single struct wiring every component, background goroutines driven
// by a ticker with context-cancellation shutdown).
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/eventbus"
	"github.com/somatechlat/yachaq-coordinator/pkg/policy"
	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
	"github.com/somatechlat/yachaq-coordinator/pkg/rendezvous"
	"github.com/somatechlat/yachaq-coordinator/pkg/reputation"
	"github.com/somatechlat/yachaq-coordinator/pkg/request"
)

// Coordinator owns the request state machine and stitches C3–C6
// together behind rate-limit gating. Every transition that writes an
// audit receipt (C1, via requests/reviewer) also emits a canonical
// event (C9) sharing the request id as trace id, per spec.md §4.9.
type Coordinator struct {
	mu sync.Mutex

	requests   *request.Store
	reputation *reputation.Tracker
	reviewer   *policy.Reviewer
	publisher  rendezvous.Publisher
	bus        *eventbus.Bus

	// distributedLimiter, when non-nil, routes the rate-limit gate
	// through Redis instead of the Tracker's in-process windows, for
	// multi-instance deployments (DESIGN.md §C5).
	distributedLimiter *reputation.RedisWindowStore

	statuses map[string]request.Status
}

// NewCoordinator wires every already-constructed component.
// distributedLimiter may be nil, in which case the gate uses the
// Tracker's in-memory windows.
func NewCoordinator(requests *request.Store, rep *reputation.Tracker, reviewer *policy.Reviewer, publisher rendezvous.Publisher, bus *eventbus.Bus, distributedLimiter *reputation.RedisWindowStore) *Coordinator {
	return &Coordinator{
		requests:           requests,
		reputation:         rep,
		reviewer:           reviewer,
		publisher:          publisher,
		bus:                bus,
		distributedLimiter: distributedLimiter,
		statuses:           make(map[string]request.Status),
	}
}

// emit records a canonical event for a lifecycle transition, sharing
// requestID as trace id so sibling events across a flow correlate
// (spec.md §4.9).
func (c *Coordinator) emit(requestID, eventType, resourceType string) {
	c.bus.Emit(eventbus.EmitInput{
		TraceID:        requestID,
		EventType:      eventType,
		IdempotencyKey: requestID + ":" + eventType,
		ActorType:      "SYSTEM",
		ResourceID:     requestID,
		ResourceType:   resourceType,
	})
}

// SubmitResult is Submit's return value.
type SubmitResult struct {
	Outcome     request.Outcome
	RequestID   string
	ReasonCodes []string
	RetryAfter  time.Time
}

// Submit runs the full ingress guard chain: rate limit (C5) → schema +
// raw-data guard (C3) → DRAFT persisted → SCREENING.
func (c *Coordinator) Submit(ctx context.Context, in request.Input) (SubmitResult, error) {
	allow, err := c.checkRate(ctx, in.RequesterID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("lifecycle: rate check: %w", err)
	}
	if !allow.Allowed {
		return SubmitResult{Outcome: "RATE_LIMITED", RetryAfter: allow.RetryAfter}, nil
	}

	result, err := c.requests.StoreRequest(in)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("lifecycle: submit: %w", err)
	}
	if result.Outcome != request.OutcomeStored {
		return SubmitResult{Outcome: result.Outcome, ReasonCodes: result.ReasonCodes}, nil
	}

	c.mu.Lock()
	c.statuses[result.Request.ID] = request.StatusScreening
	c.mu.Unlock()
	result.Request.Status = request.StatusScreening

	c.emit(result.Request.ID, "REQUEST_CREATED", "request")

	return SubmitResult{Outcome: result.Outcome, RequestID: result.Request.ID}, nil
}

// checkRate routes through the distributed limiter when one is
// configured, falling back to the Tracker's in-process windows
// otherwise.
func (c *Coordinator) checkRate(ctx context.Context, requesterID string) (reputation.AllowResult, error) {
	if c.distributedLimiter != nil {
		return c.reputation.CheckDistributed(ctx, requesterID, c.distributedLimiter)
	}
	return c.reputation.Check(requesterID), nil
}

// TransitionFromScreening implements policy.StatusSetter: SCREENING is
// the only state attach_stamp may act on; approved moves to ACTIVE,
// rejected moves to REJECTED.
func (c *Coordinator) TransitionFromScreening(requestID string, approved bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[requestID]
	if !ok || status != request.StatusScreening {
		return fmt.Errorf("lifecycle: request %s is not in SCREENING", requestID)
	}

	if approved {
		c.statuses[requestID] = request.StatusActive
	} else {
		c.statuses[requestID] = request.StatusRejected
	}
	return nil
}

// Review runs C4's ordered policy rules and attaches the resulting
// stamp, transitioning the request out of SCREENING.
func (c *Coordinator) Review(requestID string, lookup policy.ScopeLookup) (policystamp.Stamp, policy.Result, error) {
	result := policy.ReviewRequest(lookup)
	stamp, err := c.reviewer.AttachStamp(requestID, result, c)
	if err != nil {
		return policystamp.Stamp{}, policy.Result{}, err
	}
	c.emit(requestID, "REQUEST_SCREENED", "request")
	return stamp, result, nil
}

// Publish requires ACTIVE and dispatches the sanitized publication
// payload via C6, then emits REQUEST_MATCHED immediately — delivery is
// fire-and-forget from the coordinator's side (SPEC_FULL.md §4.6).
func (c *Coordinator) Publish(ctx context.Context, requestID string, mode rendezvous.Mode, payload rendezvous.PublicationPayload) (int, error) {
	c.mu.Lock()
	status, ok := c.statuses[requestID]
	c.mu.Unlock()
	if !ok || status != request.StatusActive {
		return 0, fmt.Errorf("lifecycle: publication requires an ACTIVE request, got %v", status)
	}

	_, targeted, err := rendezvous.Publish(ctx, c.publisher, mode, payload)
	if err != nil {
		return 0, err
	}

	c.emit(requestID, "REQUEST_MATCHED", "request")

	return targeted, nil
}

// Complete marks a request COMPLETED (expiry or participant cap
// reached); archived thereafter, never deleted (spec.md §3).
func (c *Coordinator) Complete(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[requestID]
	if !ok || status != request.StatusActive {
		return fmt.Errorf("lifecycle: completion requires an ACTIVE request, got %v", status)
	}
	c.statuses[requestID] = request.StatusCompleted
	return nil
}

// Status returns a request's current lifecycle status.
func (c *Coordinator) Status(requestID string) (request.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[requestID]
	return s, ok
}

// Maintenance is the single periodic task driving C5's GC and decay and
// C6's expired-session sweep, matching spec.md §9's "single periodic
// task... implement via a dedicated ticker; cancellation on service
// shutdown must be prompt."
type Maintenance struct {
	reputation *reputation.Tracker
	rendezvous *rendezvous.Broker
	bus        *eventbus.Bus
	interval   time.Duration
}

// NewMaintenance wires the components the hourly sweep maintains. bus
// may be nil in tests that don't exercise C9.
func NewMaintenance(rep *reputation.Tracker, broker *rendezvous.Broker, bus *eventbus.Bus, interval time.Duration) *Maintenance {
	return &Maintenance{reputation: rep, rendezvous: broker, bus: bus, interval: interval}
}

// Run drives the ticker until ctx is cancelled, at which point it stops
// promptly without completing an in-flight tick. Each tick also claims
// and dispatches every PENDING/FAILED canonical event (C9's retry
// sweep) and evicts expired idempotency keys.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reputation.GC()
			m.reputation.DecayAll()
			if m.rendezvous != nil {
				m.rendezvous.Sweep()
			}
			if m.bus != nil {
				m.bus.ProcessPending(ctx)
				m.bus.EvictExpiredIdempotencyKeys()
			}
		}
	}
}
