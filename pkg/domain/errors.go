package domain

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can branch on the outcome
// without parsing messages.
type Kind string

// Failure kinds surfaced by engine operations.
const (
	// KindInvalidFormat rejects identifiers that are empty, too long, or
	// contain control characters.
	KindInvalidFormat Kind = "invalid_format"
	// KindBatchNotAcceptingUnits rejects additions when no batch is open or
	// the active batch is already finalized.
	KindBatchNotAcceptingUnits Kind = "batch_not_accepting_units"
	// KindBatchFull rejects additions to a batch at capacity.
	KindBatchFull Kind = "batch_full"
	// KindDuplicateUnit rejects identifiers already reserved by the live
	// batch or by committed history.
	KindDuplicateUnit Kind = "duplicate_unit"
	// KindUnknownUnit rejects identifiers absent from the reference dataset.
	KindUnknownUnit Kind = "unknown_unit"
	// KindSourceUnavailable reports a reference source that cannot be
	// located or opened.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindSourceCorrupt reports a reference source that opened but could not
	// be parsed into any usable rows.
	KindSourceCorrupt Kind = "source_corrupt"
	// KindSourceLocked reports an artifact held open by another process.
	KindSourceLocked Kind = "source_locked"
	// KindDestinationUnwritable reports an export destination that rejected
	// writes.
	KindDestinationUnwritable Kind = "destination_unwritable"
	// KindPersistenceFailure reports that committed state could not be made
	// durable. Callers must halt the interaction that triggered it.
	KindPersistenceFailure Kind = "persistence_failure"
)

// Error is the engine failure type. Kind is always set; remaining fields
// carry whatever context the failing operation had.
type Error struct {
	Kind Kind
	// Unit is the normalized unit identifier involved, when any.
	Unit string
	// Sequence is the batch the failure refers to, when any.
	Sequence int
	// CurrentBatch distinguishes a duplicate in the live batch from one in
	// committed history.
	CurrentBatch bool
	// Path is the file or directory involved, when any.
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.message()
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) message() string {
	switch e.Kind {
	case KindInvalidFormat:
		if e.Detail != "" {
			return e.Detail
		}
		return fmt.Sprintf("unit %q is not a valid identifier", e.Unit)
	case KindBatchNotAcceptingUnits:
		if e.Detail != "" {
			return e.Detail
		}
		return "no batch is accepting units"
	case KindBatchFull:
		return fmt.Sprintf("batch %d is full", e.Sequence)
	case KindDuplicateUnit:
		if e.CurrentBatch {
			return fmt.Sprintf("unit %q already scanned in current batch %d", e.Unit, e.Sequence)
		}
		return fmt.Sprintf("unit %q already recorded in batch %d", e.Unit, e.Sequence)
	case KindUnknownUnit:
		return fmt.Sprintf("unit %q not found in reference dataset", e.Unit)
	case KindSourceUnavailable:
		return fmt.Sprintf("reference source %q unavailable", e.Path)
	case KindSourceCorrupt:
		return fmt.Sprintf("reference source %q unreadable", e.Path)
	case KindSourceLocked:
		return fmt.Sprintf("file %q is locked by another process", e.Path)
	case KindDestinationUnwritable:
		return fmt.Sprintf("destination %q is not writable", e.Path)
	case KindPersistenceFailure:
		if e.Detail != "" {
			return "history persistence failed: " + e.Detail
		}
		return "history persistence failed"
	default:
		if e.Detail != "" {
			return e.Detail
		}
		return string(e.Kind)
	}
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind carried by err, or the empty string when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
