// Package request implements Request Intake & the Raw-Data Guard (C3):
// schema validation, the no-raw-ingestion check, and sanitize-then-persist
// orchestration for newly submitted data requests.
//
// Grounded on the teacher's governance.denial.DenialLedger (typed
// rejection reasons bound to a receipt) and kernel kernel validation
// pipelines that run an ordered list of checks and accumulate violations
// rather than stopping at the first one.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/money"
	"github.com/somatechlat/yachaq-coordinator/pkg/rawdata"
)

// Status is the Request's lifecycle state (C8 owns transitions beyond
// intake; C3 only ever produces DRAFT).
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScreening Status = "SCREENING"
	StatusActive    Status = "ACTIVE"
	StatusRejected  Status = "REJECTED"
	StatusCompleted Status = "COMPLETED"
)

// odxCriteriaKeys is the closed set of eligibility-criteria facets
// (spec.md §6). Domain-qualified keys use the "domain.*" prefix form and
// are accepted as the literal "domain" facet with any suffix.
var odxCriteriaKeys = map[string]struct{}{
	"account_type": {}, "status": {}, "created_after": {}, "created_before": {},
	"domain": {}, "time_bucket": {}, "geo_bucket": {}, "quality_tier": {},
	"privacy_floor": {}, "data_category": {}, "availability_band": {},
}

func isODXCriteriaKey(key string) bool {
	base := key
	if idx := strings.Index(key, "."); idx >= 0 {
		base = key[:idx]
	}
	_, ok := odxCriteriaKeys[base]
	return ok
}

// Request is the Coordinator's domain record for a data request.
type Request struct {
	ID          string
	RequesterID string
	Purpose     string
	Scope       map[string]any
	Criteria    map[string]any
	Metadata    map[string]any
	UnitPrice   money.Amount
	Cap         int
	Budget      money.Amount
	DurationStart time.Time
	DurationEnd   time.Time
	Status        Status
	CreatedAt     time.Time
}

// Input is the raw, untrusted submission to store_request.
type Input struct {
	RequesterID   string
	Purpose       string
	Scope         map[string]any
	Criteria      map[string]any
	Metadata      map[string]any
	UnitPrice     money.Amount
	Cap           int
	DurationStart time.Time
	DurationEnd   time.Time
}

// Outcome is the closed set of results store_request can report, per the
// spec's "typed result, never throw" error taxonomy (spec.md §7).
type Outcome string

const (
	OutcomeStored           Outcome = "STORED"
	OutcomeValidationFailed Outcome = "VALIDATION_FAILED"
	OutcomeRawDataRejected  Outcome = "RAW_DATA_REJECTED"
)

// StorageResult is store_request's return value.
type StorageResult struct {
	Outcome    Outcome
	Request    *Request
	ReasonCodes []string
}

// TargetingNotifier receives a signal when a requester attempts raw-data
// ingestion, so the reputation subsystem (C5) can apply its penalty. It
// is satisfied by reputation.Tracker; kept as a narrow interface here to
// avoid an import cycle between request and reputation.
type TargetingNotifier interface {
	NotifyTargetingAttempt(requesterID string)
}

// Store persists accepted requests and writes intake audit receipts.
type Store struct {
	audit    audit.Store
	notifier TargetingNotifier
	clock    func() time.Time

	byID map[string]*Request
}

// NewStore wires the audit log and the (optional) reputation notifier.
func NewStore(auditStore audit.Store, notifier TargetingNotifier) *Store {
	return &Store{
		audit:    auditStore,
		notifier: notifier,
		clock:    time.Now,
		byID:     make(map[string]*Request),
	}
}

// StoreRequest runs schema validation and the raw-data guard, then
// persists the sanitized request. A raw-data finding takes precedence:
// the result is RAW_DATA_REJECTED (with its audit receipt and notifier
// signal) even when schema validation also failed.
func (s *Store) StoreRequest(in Input) (StorageResult, error) {
	schemaCodes := validateSchema(in)

	var violations []rawdata.Violation
	violations = append(violations, rawdata.Scan("scope", toAnyMap(in.Scope))...)
	violations = append(violations, rawdata.Scan("criteria", toAnyMap(in.Criteria))...)
	violations = append(violations, rawdata.Scan("metadata", toAnyMap(in.Metadata))...)

	if len(violations) > 0 {
		codes := make([]string, len(violations))
		for i, v := range violations {
			codes[i] = v.Code
		}

		detailsHash := audit.HashDetails(strings.Join(codes, ","))
		if _, err := s.audit.Append(audit.EventUnauthorizedFieldAccess, in.RequesterID, audit.ActorRequester, "", "request", detailsHash); err != nil {
			return StorageResult{}, fmt.Errorf("request: write audit receipt: %w", err)
		}
		if s.notifier != nil {
			s.notifier.NotifyTargetingAttempt(in.RequesterID)
		}

		return StorageResult{Outcome: OutcomeRawDataRejected, ReasonCodes: codes}, nil
	}
	if len(schemaCodes) > 0 {
		return StorageResult{Outcome: OutcomeValidationFailed, ReasonCodes: schemaCodes}, nil
	}

	req := &Request{
		ID:            uuid.NewString(),
		RequesterID:   in.RequesterID,
		Purpose:       in.Purpose,
		Scope:         rawdata.Sanitize(toAnyMap(in.Scope)).(map[string]any),
		Criteria:      rawdata.Sanitize(toAnyMap(in.Criteria)).(map[string]any),
		Metadata:      rawdata.Sanitize(toAnyMap(in.Metadata)).(map[string]any),
		UnitPrice:     in.UnitPrice,
		Cap:           in.Cap,
		Budget:        in.UnitPrice.MulInt(in.Cap),
		DurationStart: in.DurationStart,
		DurationEnd:   in.DurationEnd,
		Status:        StatusDraft,
		CreatedAt:     s.clock().UTC(),
	}

	s.byID[req.ID] = req

	detailsHash := audit.HashDetails(req.ID + "|" + req.RequesterID)
	if _, err := s.audit.Append(audit.EventRequestCreated, req.RequesterID, audit.ActorRequester, req.ID, "request", detailsHash); err != nil {
		return StorageResult{}, fmt.Errorf("request: write audit receipt: %w", err)
	}

	return StorageResult{Outcome: OutcomeStored, Request: req}, nil
}

// Get returns a request by id.
func (s *Store) Get(id string) (*Request, bool) {
	r, ok := s.byID[id]
	return r, ok
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// validateSchema runs every check and accumulates violation codes rather
// than stopping at the first (spec.md §9 "avoid exception-based
// short-circuit").
func validateSchema(in Input) []string {
	var codes []string

	if strings.TrimSpace(in.RequesterID) == "" {
		codes = append(codes, "MISSING_REQUESTER_ID")
	}
	if strings.TrimSpace(in.Purpose) == "" {
		codes = append(codes, "MISSING_PURPOSE")
	}
	if len(in.Scope) == 0 {
		codes = append(codes, "EMPTY_SCOPE")
	}
	if in.Criteria == nil {
		codes = append(codes, "MISSING_CRITERIA")
	}
	if !in.UnitPrice.IsPositive() {
		codes = append(codes, "NON_POSITIVE_UNIT_PRICE")
	}
	if in.Cap <= 0 {
		codes = append(codes, "NON_POSITIVE_CAP")
	}
	if in.DurationEnd.Before(in.DurationStart) {
		codes = append(codes, "INVALID_DURATION_WINDOW")
	}

	for key := range in.Criteria {
		if !isODXCriteriaKey(key) {
			codes = append(codes, fmt.Sprintf("INVALID_CRITERIA_FIELD:%s", key))
		}
	}
	for key := range in.Scope {
		if isForbiddenScopeKey(key) {
			codes = append(codes, fmt.Sprintf("FORBIDDEN_SCOPE_FIELD:%s", key))
		}
	}

	return codes
}

// isForbiddenScopeKey reuses rawdata's forbidden-field detection for the
// schema-validation phase; the deeper raw-data scan (phase 2) also
// catches these, but the spec calls for a typed schema violation too.
func isForbiddenScopeKey(key string) bool {
	violations := rawdata.Scan("scope", map[string]any{key: "placeholder"})
	for _, v := range violations {
		if strings.HasPrefix(v.Code, "RAW_DATA_FIELD:") {
			return true
		}
	}
	return false
}
