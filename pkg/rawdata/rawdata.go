// Package rawdata implements the Coordinator's no-raw-ingestion guard
// (part of C3): a recursive tree walk over a request's scope, criteria
// and metadata that flags any forbidden field name or any string value
// shaped like raw personal data, without ever persisting what it finds.
//
// Grounded on the teacher's governance.denial.DenialReceipt/DenialReason
// vocabulary for the violation-code shape, and on the visitor-style
// recursive traversal the teacher's rir package uses for nested bundle
// structures — generalized here from the teacher's free-form error
// accumulation to a non-short-circuiting Violation list, per spec.md
// §4.3's "avoid exception-based short-circuit" guidance.
package rawdata

import (
	"fmt"
	"regexp"
	"strings"
)

// forbiddenFields is the exact lower-cased set from spec.md §4.3. Each
// entry also matches its camelCase twin (computed once at init).
var forbiddenFields = []string{
	"raw_data", "raw_payload", "health_data", "medical_records",
	"location_precise", "gps_coordinates", "private_labels",
	"personal_identifiers", "biometric_data", "genetic_data",
	"node_location", "device_location", "health_flags", "health_status",
	"ssn", "social_security", "passport_number", "credit_card",
	"bank_account", "password", "secret_key", "private_key",
}

var forbiddenFieldSet map[string]struct{}

func init() {
	forbiddenFieldSet = make(map[string]struct{}, len(forbiddenFields)*2)
	for _, f := range forbiddenFields {
		forbiddenFieldSet[f] = struct{}{}
		if camel := snakeToCamel(f); camel != f {
			forbiddenFieldSet[strings.ToLower(camel)] = struct{}{}
		}
	}
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) < 2 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// isForbiddenField reports whether a key (case-insensitive) names a
// forbidden field.
func isForbiddenField(key string) bool {
	_, ok := forbiddenFieldSet[strings.ToLower(key)]
	return ok
}

// The three data-shape detectors, exact per spec.md §4.3.
var (
	preciseGPS = regexp.MustCompile(`-?\d{1,3}\.\d{5,}\s*,\s*-?\d{1,3}\.\d{5,}`)
	base64Blob = regexp.MustCompile(`^[A-Za-z0-9+/]{1000,}={0,2}$`)
	ssnShape   = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
)

// Violation is one raw-data or forbidden-field finding.
type Violation struct {
	Code string // e.g. RAW_GPS_DATA, RAW_PII_DATA, RAW_PAYLOAD_DATA, or RAW_DATA_FIELD:<context>.<key>
	Path string // dotted path into the tree where the finding occurred
}

// Scan recursively walks a JSON-like value tree (map[string]any,
// []any, or scalars) rooted at the given context name (e.g. "scope",
// "criteria", "metadata") and returns every violation found. It never
// short-circuits: a tree with five problems returns five violations.
func Scan(context string, tree any) []Violation {
	var violations []Violation
	walk(context, tree, &violations)
	return violations
}

func walk(path string, node any, out *[]Violation) {
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			childPath := path + "." + key
			if isForbiddenField(key) {
				*out = append(*out, Violation{
					Code: fmt.Sprintf("RAW_DATA_FIELD:%s", childPath),
					Path: childPath,
				})
			}
			walk(childPath, val, out)
		}
	case []any:
		for i, val := range v {
			walk(fmt.Sprintf("%s[%d]", path, i), val, out)
		}
	case string:
		checkStringShape(path, v, out)
	default:
		// Numbers, bools, nil: nothing to check.
	}
}

func checkStringShape(path, value string, out *[]Violation) {
	trimmed := strings.TrimSpace(value)
	if preciseGPS.MatchString(value) {
		*out = append(*out, Violation{Code: "RAW_GPS_DATA", Path: path})
	}
	if base64Blob.MatchString(trimmed) {
		*out = append(*out, Violation{Code: "RAW_PAYLOAD_DATA", Path: path})
	}
	if ssnShape.MatchString(value) {
		*out = append(*out, Violation{Code: "RAW_PII_DATA", Path: path})
	}
}

// Sanitize returns a copy of the tree with forbidden keys dropped and
// any string value matching a data-shape detector removed, per spec.md
// §4.3 step 4. The input tree is not mutated.
func Sanitize(tree any) any {
	switch v := tree.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isForbiddenField(key) {
				continue
			}
			if s, ok := val.(string); ok && isRawShapedString(s) {
				continue
			}
			out[key] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, val := range v {
			if s, ok := val.(string); ok && isRawShapedString(s) {
				continue
			}
			out = append(out, Sanitize(val))
		}
		return out
	default:
		return v
	}
}

func isRawShapedString(s string) bool {
	trimmed := strings.TrimSpace(s)
	return preciseGPS.MatchString(s) || base64Blob.MatchString(trimmed) || ssnShape.MatchString(s)
}
