// Package domain defines the core entities, validation primitives, and
// persistence contracts used by palletcore.
package domain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBatch identifies the live batch under assembly.
	EntityBatch EntityType = "batch"
	// EntityBatchRecord identifies a completed batch in history.
	EntityBatchRecord EntityType = "batch_record"
)

// BatchState represents the canonical batch lifecycle states.
type BatchState string

// Canonical batch lifecycle states. Exported is terminal.
const (
	// BatchBuilding accepts unit additions until capacity is reached.
	BatchBuilding BatchState = "building"
	// BatchFull holds a completed batch awaiting finalization.
	BatchFull BatchState = "full"
	// BatchExported marks a finalized batch. No further transitions exist.
	BatchExported BatchState = "exported"
)

// DefaultBatchCapacity is the number of units a batch holds unless configured
// otherwise.
const DefaultBatchCapacity = 25

// MaxUnitIDLength bounds accepted unit identifiers after trimming.
const MaxUnitIDLength = 100

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Batch is the live collection of validated units being assembled.
type Batch struct {
	Sequence  int        `json:"sequence"`
	Capacity  int        `json:"capacity"`
	State     BatchState `json:"state"`
	Units     []string   `json:"units"`
	CreatedAt time.Time  `json:"created_at"`
}

// Count returns the number of units accepted so far.
func (b Batch) Count() int { return len(b.Units) }

// Remaining returns the number of free slots, never negative.
func (b Batch) Remaining() int {
	if r := b.Capacity - len(b.Units); r > 0 {
		return r
	}
	return 0
}

// PositionOf returns the 1-based scan position of unit within the batch.
func (b Batch) PositionOf(unit string) (int, bool) {
	for i, u := range b.Units {
		if u == unit {
			return i + 1, true
		}
	}
	return 0, false
}

// Clone returns a deep copy safe to hand outside the store.
func (b Batch) Clone() Batch {
	out := b
	out.Units = append([]string(nil), b.Units...)
	return out
}

// BatchRecord is a completed batch as committed to history.
type BatchRecord struct {
	Sequence     int       `json:"sequence"`
	Units        []string  `json:"units"`
	Category     string    `json:"category"`
	Destination  string    `json:"destination"`
	CompletedAt  time.Time `json:"completed_at"`
	ArtifactPath string    `json:"artifact_path"`
	// Hidden flags records whose artifact could not be located during
	// reconciliation. Hidden records keep their identifier reservations.
	Hidden bool `json:"hidden,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store.
func (r BatchRecord) Clone() BatchRecord {
	out := r
	out.Units = append([]string(nil), r.Units...)
	return out
}

// ArtifactName returns the bare file name of the export artifact.
func (r BatchRecord) ArtifactName() string {
	if r.ArtifactPath == "" {
		return ""
	}
	return filepath.Base(r.ArtifactPath)
}

// DisplayLabel renders the operator-facing batch label, for example
// "200WT8252026-12" for a 200WT batch completed 2026-08-25 with sequence 12.
func (r BatchRecord) DisplayLabel() string {
	t := r.CompletedAt
	return fmt.Sprintf("%s%d%d%d-%d", r.Category, int(t.Month()), t.Day(), t.Year(), r.Sequence)
}

// ContainsUnit reports whether term occurs, case-insensitively, within any of
// the record's unit identifiers. Empty terms match every record.
func (r BatchRecord) ContainsUnit(term string) bool {
	if term == "" {
		return true
	}
	needle := strings.ToUpper(strings.TrimSpace(term))
	for _, u := range r.Units {
		if strings.Contains(strings.ToUpper(u), needle) {
			return true
		}
	}
	return false
}

// ReferenceRecord is a single row of the reference dataset keyed by a
// normalized unit identifier.
type ReferenceRecord struct {
	Identifier string            `json:"identifier"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns the named attribute. Attribute keys are normalized to lower
// case when the dataset is loaded.
func (r ReferenceRecord) Attr(name string) (string, bool) {
	v, ok := r.Attributes[strings.ToLower(name)]
	return v, ok
}

// Float parses the named attribute as a decimal number.
func (r ReferenceRecord) Float(name string) (float64, bool) {
	v, ok := r.Attr(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Clone returns a deep copy of the record.
func (r ReferenceRecord) Clone() ReferenceRecord {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// BatchStatus is a read-only projection of the live batch for presentation.
type BatchStatus struct {
	Active   bool       `json:"active"`
	Sequence int        `json:"sequence,omitempty"`
	State    BatchState `json:"state,omitempty"`
	Count    int        `json:"count"`
	Capacity int        `json:"capacity,omitempty"`
	Units    []string   `json:"units,omitempty"`
}

// NormalizeUnitID canonicalizes a scanned identifier: surrounding whitespace
// is trimmed and the result uppercased. Empty values, values longer than
// MaxUnitIDLength characters, and values containing control characters are
// rejected with KindInvalidFormat.
func NormalizeUnitID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Error{Kind: KindInvalidFormat, Detail: "unit identifier is empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxUnitIDLength {
		return "", &Error{Kind: KindInvalidFormat, Unit: trimmed, Detail: fmt.Sprintf("unit identifier exceeds %d characters", MaxUnitIDLength)}
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", &Error{Kind: KindInvalidFormat, Unit: trimmed, Detail: "unit identifier contains control characters"}
		}
	}
	return strings.ToUpper(trimmed), nil
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// SequenceID renders a batch sequence as the string identifier used in
// violations and audit entries.
func SequenceID(seq int) string { return strconv.Itoa(seq) }
