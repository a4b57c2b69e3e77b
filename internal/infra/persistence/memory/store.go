// Package memory provides the in-memory implementation of the core
// persistence store. Durable drivers embed it and layer snapshot load and
// persist logic on top.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"palletcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Batch aliases domain.Batch for in-memory persistence operations.
	Batch = domain.Batch
	// BatchRecord aliases domain.BatchRecord.
	BatchRecord = domain.BatchRecord
	// Snapshot aliases domain.Snapshot, the exchange format durable drivers
	// load and persist.
	Snapshot = domain.Snapshot
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	nextSequence int
	active       *Batch
	records      []BatchRecord
	index        *domain.UniquenessIndex
}

func newMemoryState() memoryState {
	return memoryState{
		nextSequence: 1,
		index:        domain.NewUniquenessIndex(),
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		nextSequence: s.nextSequence,
		index:        s.index.Clone(),
	}
	if s.active != nil {
		active := s.active.Clone()
		cloned.active = &active
	}
	if s.records != nil {
		cloned.records = make([]BatchRecord, 0, len(s.records))
		for _, rec := range s.records {
			cloned.records = append(cloned.records, rec.Clone())
		}
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	snap := Snapshot{NextSequence: state.nextSequence}
	if state.active != nil {
		active := state.active.Clone()
		snap.Active = &active
	}
	snap.Records = make([]BatchRecord, 0, len(state.records))
	for _, rec := range state.records {
		snap.Records = append(snap.Records, rec.Clone())
	}
	return snap
}

func memoryStateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	state.nextSequence = snap.NextSequence
	if snap.Active != nil {
		active := snap.Active.Clone()
		state.active = &active
	}
	for _, rec := range snap.Records {
		state.records = append(state.records, rec.Clone())
	}
	state.index.Rebuild(state.records, state.active)
	return state
}

// migrateSnapshot repairs snapshots written by older builds or edited by
// hand: missing collections, zeroed capacities and states, and a sequence
// counter behind the data it accompanies.
func migrateSnapshot(snap Snapshot) Snapshot {
	if snap.Records == nil {
		snap.Records = []BatchRecord{}
	}
	maxSeq := 0
	for i, rec := range snap.Records {
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		if rec.Units == nil {
			snap.Records[i].Units = []string{}
		}
	}
	if snap.Active != nil {
		if snap.Active.Capacity <= 0 {
			snap.Active.Capacity = domain.DefaultBatchCapacity
		}
		if snap.Active.State == "" {
			snap.Active.State = domain.BatchBuilding
		}
		if snap.Active.State == domain.BatchBuilding && len(snap.Active.Units) >= snap.Active.Capacity {
			snap.Active.State = domain.BatchFull
		}
		if snap.Active.Sequence > maxSeq {
			maxSeq = snap.Active.Sequence
		}
	}
	if snap.NextSequence <= maxSeq {
		snap.NextSequence = maxSeq + 1
	}
	if snap.NextSequence < 1 {
		snap.NextSequence = 1
	}
	return snap
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot. The
// uniqueness index is rebuilt from the snapshot contents.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snap.Clone()))
}

// RulesEngine exposes the configured engine for integration points.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider. Intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to
// rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ActiveBatch returns the live batch within the snapshot.
func (v transactionView) ActiveBatch() (Batch, bool) {
	if v.state.active == nil {
		return Batch{}, false
	}
	return v.state.active.Clone(), true
}

// ListRecords returns all committed records in commit order.
func (v transactionView) ListRecords() []BatchRecord {
	out := make([]BatchRecord, 0, len(v.state.records))
	for _, rec := range v.state.records {
		out = append(out, rec.Clone())
	}
	return out
}

// FindRecord retrieves a committed record by sequence.
func (v transactionView) FindRecord(sequence int) (BatchRecord, bool) {
	for _, rec := range v.state.records {
		if rec.Sequence == sequence {
			return rec.Clone(), true
		}
	}
	return BatchRecord{}, false
}

// LookupUnit reports where a unit identifier is reserved, if anywhere.
func (v transactionView) LookupUnit(unit string) (domain.UnitLocation, bool) {
	return v.state.index.Lookup(unit)
}

// NextSequence returns the sequence the next started batch will receive.
func (v transactionView) NextSequence() int {
	return v.state.nextSequence
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// ActiveBatch returns the live batch, if one is open.
func (s *Store) ActiveBatch() (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.active == nil {
		return Batch{}, false
	}
	return s.state.active.Clone(), true
}

// ListRecords returns all committed records in commit order.
func (s *Store) ListRecords() []BatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BatchRecord, 0, len(s.state.records))
	for _, rec := range s.state.records {
		out = append(out, rec.Clone())
	}
	return out
}

// FindRecord retrieves a committed record by sequence.
func (s *Store) FindRecord(sequence int) (BatchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.state.records {
		if rec.Sequence == sequence {
			return rec.Clone(), true
		}
	}
	return BatchRecord{}, false
}

// NextSequence returns the sequence the next started batch will receive.
func (s *Store) NextSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.nextSequence
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// StartBatch opens a new live batch, consuming the next sequence number.
func (tx *transaction) StartBatch(capacity int) (Batch, error) {
	if tx.state.active != nil {
		return Batch{}, fmt.Errorf("batch %d is still open", tx.state.active.Sequence)
	}
	if capacity <= 0 {
		capacity = domain.DefaultBatchCapacity
	}
	batch := Batch{
		Sequence:  tx.state.nextSequence,
		Capacity:  capacity,
		State:     domain.BatchBuilding,
		Units:     []string{},
		CreatedAt: tx.now,
	}
	tx.state.nextSequence++
	stored := batch.Clone()
	tx.state.active = &stored
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: batch.Clone()})
	return batch.Clone(), nil
}

// AppendUnit adds an already normalized identifier to the live batch. The
// addition that reaches capacity flips the batch to BatchFull in the same
// transaction.
func (tx *transaction) AppendUnit(unit string) (Batch, error) {
	active := tx.state.active
	if active == nil {
		return Batch{}, &domain.Error{Kind: domain.KindBatchNotAcceptingUnits}
	}
	if active.State == domain.BatchExported {
		return Batch{}, &domain.Error{Kind: domain.KindBatchNotAcceptingUnits, Sequence: active.Sequence, Detail: fmt.Sprintf("batch %d is already exported", active.Sequence)}
	}
	if active.State != domain.BatchBuilding || active.Count() >= active.Capacity {
		return Batch{}, &domain.Error{Kind: domain.KindBatchFull, Sequence: active.Sequence}
	}
	if loc, ok := tx.state.index.Lookup(unit); ok {
		return Batch{}, &domain.Error{
			Kind:         domain.KindDuplicateUnit,
			Unit:         unit,
			Sequence:     loc.Sequence,
			CurrentBatch: loc.Live,
		}
	}

	before := active.Clone()
	active.Units = append(active.Units, unit)
	if active.Count() >= active.Capacity {
		active.State = domain.BatchFull
	}
	tx.state.index.Assign(unit, active.Sequence)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: active.Clone()})
	return active.Clone(), nil
}

// SealBatch flips a building batch that already holds capacity or more units
// to BatchFull. The case arises when capacity shrinks under an open batch
// between runs; the add that trips over it commits this transition even
// though the add itself is rejected.
func (tx *transaction) SealBatch() (Batch, error) {
	active := tx.state.active
	if active == nil {
		return Batch{}, fmt.Errorf("no batch to seal")
	}
	if active.State != domain.BatchBuilding || active.Count() < active.Capacity {
		return active.Clone(), nil
	}

	before := active.Clone()
	active.State = domain.BatchFull
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: active.Clone()})
	return active.Clone(), nil
}

// RemoveUnit takes an identifier back out of the live batch, dropping a full
// batch back to building when it falls below capacity.
func (tx *transaction) RemoveUnit(unit string) (Batch, error) {
	active := tx.state.active
	if active == nil {
		return Batch{}, fmt.Errorf("no batch to remove from")
	}
	if active.State == domain.BatchExported {
		return Batch{}, fmt.Errorf("batch %d is already exported", active.Sequence)
	}
	pos, ok := active.PositionOf(unit)
	if !ok {
		return Batch{}, fmt.Errorf("unit %q is not in batch %d", unit, active.Sequence)
	}

	before := active.Clone()
	active.Units = append(active.Units[:pos-1], active.Units[pos:]...)
	if active.Count() < active.Capacity {
		active.State = domain.BatchBuilding
	}
	tx.state.index.Release(unit)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: active.Clone()})
	return active.Clone(), nil
}

// FinalizeBatch commits the live batch to history and closes it.
func (tx *transaction) FinalizeBatch(record BatchRecord) (BatchRecord, error) {
	active := tx.state.active
	if active == nil {
		return BatchRecord{}, fmt.Errorf("no batch to finalize")
	}
	if record.Sequence != active.Sequence {
		return BatchRecord{}, fmt.Errorf("record sequence %d does not match open batch %d", record.Sequence, active.Sequence)
	}
	if active.State == domain.BatchExported {
		return BatchRecord{}, fmt.Errorf("batch %d is already exported", active.Sequence)
	}
	if active.Count() == 0 {
		return BatchRecord{}, fmt.Errorf("batch %d has no units", active.Sequence)
	}
	if _, exists := tx.Snapshot().FindRecord(record.Sequence); exists {
		return BatchRecord{}, fmt.Errorf("batch %d already in history", record.Sequence)
	}

	before := active.Clone()
	exported := active.Clone()
	exported.State = domain.BatchExported

	record.Units = append([]string(nil), active.Units...)
	if record.CompletedAt.IsZero() {
		record.CompletedAt = tx.now
	}
	record.Hidden = false

	tx.state.records = append(tx.state.records, record.Clone())
	tx.state.active = nil
	tx.state.index.Commit(record.Sequence)

	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: exported})
	tx.recordChange(Change{Entity: domain.EntityBatchRecord, Action: domain.ActionCreate, After: record.Clone()})
	return record.Clone(), nil
}

// ResetBatch discards the live batch and frees every reservation it held.
// Only a building batch may be reset.
func (tx *transaction) ResetBatch() (Batch, error) {
	active := tx.state.active
	if active == nil {
		return Batch{}, fmt.Errorf("no batch to reset")
	}
	if active.State != domain.BatchBuilding {
		return Batch{}, fmt.Errorf("batch %d is %s and cannot be reset", active.Sequence, active.State)
	}
	discarded := active.Clone()
	tx.state.index.Release(active.Units...)
	tx.state.active = nil
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionDelete, Before: discarded.Clone()})
	return discarded, nil
}

// UpdateRecord mutates a committed record using the provided mutator.
func (tx *transaction) UpdateRecord(sequence int, mutator func(*BatchRecord) error) (BatchRecord, error) {
	idx := -1
	for i, rec := range tx.state.records {
		if rec.Sequence == sequence {
			idx = i
			break
		}
	}
	if idx < 0 {
		return BatchRecord{}, fmt.Errorf("batch record %d not found", sequence)
	}
	current := tx.state.records[idx].Clone()
	before := current.Clone()
	if err := mutator(&current); err != nil {
		return BatchRecord{}, err
	}
	// Identity and membership are immutable through this path.
	current.Sequence = sequence
	current.Units = append([]string(nil), before.Units...)
	tx.state.records[idx] = current.Clone()
	tx.recordChange(Change{Entity: domain.EntityBatchRecord, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return current, nil
}

// DeleteRecord removes a committed record and frees its identifiers.
func (tx *transaction) DeleteRecord(sequence int) error {
	idx := -1
	for i, rec := range tx.state.records {
		if rec.Sequence == sequence {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("batch record %d not found", sequence)
	}
	removed := tx.state.records[idx].Clone()
	tx.state.records = append(tx.state.records[:idx], tx.state.records[idx+1:]...)
	tx.state.index.Release(removed.Units...)
	tx.recordChange(Change{Entity: domain.EntityBatchRecord, Action: domain.ActionDelete, Before: removed})
	return nil
}
