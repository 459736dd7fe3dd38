// Package policy implements Policy Review (C4): the fixed, ordered rule
// set that derives required safeguards and a decision from a request's
// scope and purpose, and the stamp-attachment operation that transitions
// a SCREENING request to ACTIVE or REJECTED.
//
// The teacher's governance.PolicyEngine evaluates user-authored CEL
// expressions against a DecisionRecord; that mechanism does not fit
// here; spec.md §4.4 calls for a deterministic, fixed rule ordering,
// not dynamic policy authoring, so this package keeps only the
// teacher's DenialReceipt-style typed reason-code/remediation-hint
// *shape* (core/pkg/governance/denial.go) and evaluates the rules as
// plain sequential Go code instead of adopting cel-go.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
)

const (
	maxCriteriaFields = 8
)

var minorsPattern = regexp.MustCompile(`(?i)\b(minor|minors|child|children|kids?)\b`)

// Result is review_request's return value.
type Result struct {
	Decision         policystamp.Decision
	Safeguards       []string
	ReasonCodes      []string
	RemediationHints []string
}

// ScopeLookup is the narrow read surface policy review needs from a
// request: the scope map, the criteria map, and the free-text purpose.
type ScopeLookup struct {
	Scope    map[string]any
	Criteria map[string]any
	Purpose  string
}

func hasScopeKeyPrefix(scope map[string]any, prefix string) bool {
	for key := range scope {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			return true
		}
	}
	return false
}

func addUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

// ReviewRequest evaluates the fixed, ordered policy rules against a
// request's scope, criteria and purpose (spec.md §4.4).
func ReviewRequest(in ScopeLookup) Result {
	result := Result{Decision: policystamp.DecisionApproved}

	result.Safeguards = addUnique(result.Safeguards, "K_ANONYMITY_50", "TTL_72H")

	touchesHealth := hasScopeKeyPrefix(in.Scope, "domain.health")
	touchesLocation := hasScopeKeyPrefix(in.Scope, "domain.location")
	touchesFinance := hasScopeKeyPrefix(in.Scope, "domain.finance")

	if touchesHealth {
		result.Safeguards = addUnique(result.Safeguards, "CLEAN_ROOM_ONLY", "PRIVACY_FLOOR_HIGH")
	}
	if touchesLocation {
		result.Safeguards = addUnique(result.Safeguards, "COARSE_GEO")
	}

	if touchesHealth && touchesLocation {
		result.Safeguards = addUnique(result.Safeguards, "CLEAN_ROOM_ONLY")
		result.ReasonCodes = append(result.ReasonCodes, "HEALTH_LOCATION_COMBINATION:domain.health+domain.location")
	}

	if touchesFinance && touchesLocation {
		if !contains(result.Safeguards, "CLEAN_ROOM_ONLY") && !contains(result.Safeguards, "AGGREGATE_ONLY") {
			result.Safeguards = addUnique(result.Safeguards, "AGGREGATE_ONLY")
		}
		result.ReasonCodes = append(result.ReasonCodes, "FINANCE_LOCATION_COMBINATION")
	}

	if minorsPattern.MatchString(in.Purpose) {
		result.Decision = policystamp.DecisionManualReview
		result.ReasonCodes = append(result.ReasonCodes, "MINORS_INVOLVEMENT_DETECTED")
	}

	if len(in.Criteria) > maxCriteriaFields {
		result.ReasonCodes = append(result.ReasonCodes, "CRITERIA_TOO_SPECIFIC")
		result.RemediationHints = append(result.RemediationHints,
			fmt.Sprintf("reduce criteria fields to at most %d", maxCriteriaFields))
	}

	for key := range in.Criteria {
		if !isODXKey(key) {
			result.ReasonCodes = append(result.ReasonCodes, "NON_ODX_CRITERIA")
			result.RemediationHints = append(result.RemediationHints,
				fmt.Sprintf("%q is not an ODX-allowed criterion; use one of the closed facets or the domain.* prefix form", key))
			break
		}
	}

	return result
}

var odxKeys = map[string]struct{}{
	"account_type": {}, "status": {}, "created_after": {}, "created_before": {},
	"domain": {}, "time_bucket": {}, "geo_bucket": {}, "quality_tier": {},
	"privacy_floor": {}, "data_category": {}, "availability_band": {},
}

func isODXKey(key string) bool {
	base := key
	if idx := strings.Index(key, "."); idx >= 0 {
		base = key[:idx]
	}
	_, ok := odxKeys[base]
	return ok
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// StatusSetter is satisfied by lifecycle.Coordinator's
// SCREENING→ACTIVE/REJECTED transition; kept narrow to avoid a
// policy↔lifecycle import cycle.
type StatusSetter interface {
	TransitionFromScreening(requestID string, approved bool) error
}

// Reviewer ties rule evaluation to stamp signing and the screening
// transition, writing the REQUEST_SCREENED audit receipt on attach.
type Reviewer struct {
	signer        *policystamp.Signer
	audit         audit.Store
	policyVersion string
	clock         func() time.Time
}

// NewReviewer wires the policy stamp signer, audit log and policy
// version string (config.Config.PolicyVersion).
func NewReviewer(signer *policystamp.Signer, auditStore audit.Store, policyVersion string) *Reviewer {
	return &Reviewer{signer: signer, audit: auditStore, policyVersion: policyVersion, clock: time.Now}
}

// AttachStamp signs the reviewed decision, transitions the request via
// the supplied StatusSetter (request must be in SCREENING; precondition
// enforced by the setter), and writes the REQUEST_SCREENED receipt.
// Approved and MANUAL_REVIEW decisions are treated as non-terminal
// (ACTIVE); only REJECTED transitions the request out permanently.
func (rv *Reviewer) AttachStamp(requestID string, result Result, setter StatusSetter) (policystamp.Stamp, error) {
	approved := result.Decision != policystamp.DecisionRejected

	if err := setter.TransitionFromScreening(requestID, approved); err != nil {
		return policystamp.Stamp{}, fmt.Errorf("policy: attach stamp: %w", err)
	}

	stamp := rv.signer.Sign(requestID, result.Decision, result.Safeguards, rv.policyVersion, rv.clock())

	detailsHash := audit.HashDetails(stamp.StampHash)
	if _, err := rv.audit.Append(audit.EventRequestScreened, requestID, audit.ActorSystem, requestID, "request", detailsHash); err != nil {
		return policystamp.Stamp{}, fmt.Errorf("policy: write audit receipt: %w", err)
	}

	return stamp, nil
}
