package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	// StartBatch opens a new live batch with the next sequence number.
	StartBatch(capacity int) (Batch, error)
	// AppendUnit adds a normalized identifier to the live batch, moving the
	// batch to BatchFull when the addition reaches capacity.
	AppendUnit(unit string) (Batch, error)
	// SealBatch transitions a building batch that is at or over capacity to
	// BatchFull without appending anything. No-op when the batch is already
	// full.
	SealBatch() (Batch, error)
	// RemoveUnit takes a previously appended identifier back out of the live
	// batch and frees its reservation. A full batch that drops below capacity
	// returns to BatchBuilding.
	RemoveUnit(unit string) (Batch, error)
	// FinalizeBatch commits the live batch to history. The record sequence
	// must match the live batch.
	FinalizeBatch(record BatchRecord) (BatchRecord, error)
	// ResetBatch discards the live batch and frees its reservations.
	ResetBatch() (Batch, error)
	// UpdateRecord mutates a committed record in place.
	UpdateRecord(sequence int, mutator func(*BatchRecord) error) (BatchRecord, error)
	// DeleteRecord removes a committed record and frees its reservations.
	DeleteRecord(sequence int) error
}

// TransactionView provides read-only access to snapshot data for rules and
// pre-commit checks.
type TransactionView interface {
	RuleView
	NextSequence() int
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ActiveBatch() (Batch, bool)
	ListRecords() []BatchRecord
	FindRecord(sequence int) (BatchRecord, bool)
	NextSequence() int
}

// Snapshot is the complete engine state a durable backend loads and persists
// as one document.
type Snapshot struct {
	NextSequence int           `json:"next_sequence"`
	Active       *Batch        `json:"active,omitempty"`
	Records      []BatchRecord `json:"records"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{NextSequence: s.NextSequence}
	if s.Active != nil {
		active := s.Active.Clone()
		out.Active = &active
	}
	if s.Records != nil {
		out.Records = make([]BatchRecord, 0, len(s.Records))
		for _, rec := range s.Records {
			out.Records = append(out.Records, rec.Clone())
		}
	}
	return out
}
