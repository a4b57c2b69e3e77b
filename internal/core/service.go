// Package core wires the batch lifecycle, reference validation, history
// queries, and artifact export into one transactional service.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"palletcore/internal/cache"
	"palletcore/internal/export"
	"palletcore/internal/refdata"
	"palletcore/pkg/domain"
)

// Validation cache pools. Uniqueness verdicts age out slowly because only
// this process changes them; reference verdicts age out quickly because the
// dataset file can change under us.
const (
	uniqPrefix = "uniq:"
	refPrefix  = "ref:"
	uniqTTL    = 3 * time.Minute
	refTTL     = time.Minute
)

// ReferenceSource is the reference dataset surface the service consumes.
// *refdata.Loader satisfies it.
type ReferenceSource interface {
	ReferenceLookup
	Load(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Dataset() *refdata.Dataset
}

// Service exposes the transactional batch assembly and history operations.
type Service struct {
	store   domain.PersistentStore
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock

	reference ReferenceSource
	cache     *cache.Cache
	exporter  *export.Exporter
	resolver  *export.Resolver

	capacity      int
	acceptUnknown bool

	faultMu sync.Mutex
	fault   error
}

// ServiceOption adjusts service construction.
type ServiceOption func(*Service)

// WithLogger installs a logger. Nil loggers are ignored.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock installs the fallback clock used when the store does not carry
// its own.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditRecorder installs an audit sink for mutating operations.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithReference installs the reference dataset used for unit validation and
// artifact attribute columns.
func WithReference(ref ReferenceSource) ServiceOption {
	return func(s *Service) { s.reference = ref }
}

// WithValidationCache replaces the default validation cache.
func WithValidationCache(c *cache.Cache) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithExporter installs the artifact exporter used at finalize.
func WithExporter(e *export.Exporter) ServiceOption {
	return func(s *Service) { s.exporter = e }
}

// WithResolver installs the artifact resolver used by reconcile and delete.
func WithResolver(r *export.Resolver) ServiceOption {
	return func(s *Service) { s.resolver = r }
}

// WithCapacity overrides the capacity handed to newly started batches.
func WithCapacity(capacity int) ServiceOption {
	return func(s *Service) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithAcceptUnknownUnits sets the deployment policy for identifiers missing
// from the reference dataset: accept with a warning instead of rejecting.
func WithAcceptUnknownUnits(accept bool) ServiceOption {
	return func(s *Service) { s.acceptUnknown = accept }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		logger:   noopLogger{},
		audit:    noopAuditRecorder{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
		capacity: domain.DefaultBatchCapacity,
		cache:    cache.New(cache.DefaultCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// now returns the service's current time in UTC. A store carrying its own
// clock wins over the configured one so persisted and audited timestamps
// agree.
func (s *Service) now() time.Time {
	if provider, ok := s.store.(interface{ NowFunc() func() time.Time }); ok {
		if fn := provider.NowFunc(); fn != nil {
			return fn().UTC()
		}
	}
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// runTx funnels every mutating transaction through persistence fault
// bookkeeping.
func (s *Service) runTx(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.store.RunInTransaction(ctx, fn)
	s.noteTxOutcome(err)
	return res, err
}

func (s *Service) noteTxOutcome(err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if domain.IsKind(err, domain.KindPersistenceFailure) {
		s.fault = err
		s.logger.Error("history persistence failed", "error", err)
		return
	}
	if err == nil {
		s.fault = nil
	}
}

// PersistenceFault returns the error from the most recent failed history
// persist, or nil once a later transaction persisted cleanly. Callers are
// expected to hold off new work while a fault is pending.
func (s *Service) PersistenceFault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

// WaitReady blocks until the deferred startup loads have finished.
func (s *Service) WaitReady(ctx context.Context) error {
	if s.reference == nil {
		return nil
	}
	return s.reference.WaitReady(ctx)
}

// StartBatch opens a new batch with the configured capacity. A plain error
// is returned when a batch is already open.
func (s *Service) StartBatch(ctx context.Context) (domain.Batch, domain.Result, error) {
	var batch domain.Batch
	var res domain.Result
	err := s.instrument(ctx, "start_batch", func(ctx context.Context) (string, error) {
		var txErr error
		res, txErr = s.runTx(ctx, func(tx domain.Transaction) error {
			var err error
			batch, err = tx.StartBatch(s.capacity)
			return err
		})
		return domain.SequenceID(batch.Sequence), txErr
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	s.logger.Info("batch started", "sequence", batch.Sequence, "capacity", batch.Capacity)
	return batch, res, nil
}

// AddUnit validates a scanned identifier and appends it to the open batch.
// The returned result carries any warn-severity violations; the returned
// batch reflects the accepted addition.
func (s *Service) AddUnit(ctx context.Context, raw string) (domain.Batch, domain.Result, error) {
	var batch domain.Batch
	var res domain.Result
	err := s.instrument(ctx, "add_unit", func(ctx context.Context) (string, error) {
		unit, err := domain.NormalizeUnitID(raw)
		if err != nil {
			return "", err
		}
		batch, res, err = s.addUnit(ctx, unit)
		return unit, err
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	s.logger.Info("unit added", "unit", batch.Units[len(batch.Units)-1], "sequence", batch.Sequence, "count", batch.Count(), "state", batch.State)
	return batch, res, nil
}

func (s *Service) addUnit(ctx context.Context, unit string) (domain.Batch, domain.Result, error) {
	open, ok := s.store.ActiveBatch()
	if !ok {
		return domain.Batch{}, domain.Result{}, &domain.Error{Kind: domain.KindBatchNotAcceptingUnits, Unit: unit}
	}
	switch {
	case open.State == domain.BatchExported:
		return domain.Batch{}, domain.Result{}, &domain.Error{
			Kind:     domain.KindBatchNotAcceptingUnits,
			Unit:     unit,
			Sequence: open.Sequence,
			Detail:   fmt.Sprintf("batch %d is already exported", open.Sequence),
		}
	case open.State == domain.BatchFull:
		return domain.Batch{}, domain.Result{}, &domain.Error{Kind: domain.KindBatchFull, Sequence: open.Sequence}
	case open.Count() >= open.Capacity:
		// Capacity shrank under an open batch. The overdue Full transition
		// commits even though this add is rejected.
		if err := s.sealBatch(ctx, open.Sequence); err != nil {
			return domain.Batch{}, domain.Result{}, err
		}
		return domain.Batch{}, domain.Result{}, &domain.Error{Kind: domain.KindBatchFull, Sequence: open.Sequence}
	}

	if loc, taken, err := s.cachedUniqueness(ctx, unit); err != nil {
		return domain.Batch{}, domain.Result{}, err
	} else if taken {
		return domain.Batch{}, domain.Result{}, &domain.Error{
			Kind:         domain.KindDuplicateUnit,
			Unit:         unit,
			Sequence:     loc.Sequence,
			CurrentBatch: loc.Live,
		}
	}

	var warnings domain.Result
	if s.reference != nil {
		_, found, err := s.cachedReference(ctx, unit)
		if err != nil {
			if !s.acceptUnknown || !domain.IsKind(err, domain.KindSourceUnavailable) {
				return domain.Batch{}, domain.Result{}, err
			}
			found = false
		}
		if !found {
			if !s.acceptUnknown {
				return domain.Batch{}, domain.Result{}, &domain.Error{Kind: domain.KindUnknownUnit, Unit: unit}
			}
			warnings.Violations = append(warnings.Violations, domain.Violation{
				Rule:     "reference_presence",
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("unit %q not found in reference dataset", unit),
				Entity:   domain.EntityBatch,
				EntityID: unit,
			})
		}
	}

	var batch domain.Batch
	res, err := s.runTx(ctx, func(tx domain.Transaction) error {
		var txErr error
		batch, txErr = tx.AppendUnit(unit)
		return txErr
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	s.cache.Invalidate(uniqPrefix + unit)
	res.Merge(warnings)
	if batch.State == domain.BatchFull {
		s.logger.Info("batch full", "sequence", batch.Sequence, "count", batch.Count())
	}
	return batch, res, nil
}

// sealBatch commits the Building to Full transition for a batch found at or
// over capacity.
func (s *Service) sealBatch(ctx context.Context, sequence int) error {
	started := time.Now()
	_, err := s.runTx(ctx, func(tx domain.Transaction) error {
		_, txErr := tx.SealBatch()
		return txErr
	})
	if err != nil {
		return err
	}
	s.recordAuditSuccess(ctx, "seal_batch", domain.SequenceID(sequence), time.Since(started))
	return nil
}

// cachedUniqueness resolves whether unit is already reserved, consulting the
// validation cache before the store index.
func (s *Service) cachedUniqueness(ctx context.Context, unit string) (domain.UnitLocation, bool, error) {
	type verdict struct {
		loc   domain.UnitLocation
		taken bool
	}
	v, hit, err := s.cache.GetOrCompute(uniqPrefix+unit, uniqTTL, func() (any, error) {
		var out verdict
		err := s.store.View(ctx, func(view domain.TransactionView) error {
			out.loc, out.taken = view.LookupUnit(unit)
			return nil
		})
		return out, err
	})
	if err != nil {
		return domain.UnitLocation{}, false, err
	}
	if hit {
		s.logger.Debug("uniqueness verdict from cache", "unit", unit)
	}
	out := v.(verdict)
	return out.loc, out.taken, nil
}

// cachedReference resolves the unit's reference record, consulting the
// validation cache before the dataset.
func (s *Service) cachedReference(ctx context.Context, unit string) (domain.ReferenceRecord, bool, error) {
	type verdict struct {
		rec   domain.ReferenceRecord
		found bool
	}
	v, _, err := s.cache.GetOrCompute(refPrefix+unit, refTTL, func() (any, error) {
		rec, found, lookupErr := s.reference.Lookup(ctx, unit)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return verdict{rec: rec, found: found}, nil
	})
	if err != nil {
		return domain.ReferenceRecord{}, false, err
	}
	out := v.(verdict)
	return out.rec, out.found, nil
}

// RemoveUnit takes a previously scanned identifier back out of the open
// batch and frees its reservation.
func (s *Service) RemoveUnit(ctx context.Context, raw string) (domain.Batch, domain.Result, error) {
	var batch domain.Batch
	var res domain.Result
	err := s.instrument(ctx, "remove_unit", func(ctx context.Context) (string, error) {
		unit, err := domain.NormalizeUnitID(raw)
		if err != nil {
			return "", err
		}
		var txErr error
		res, txErr = s.runTx(ctx, func(tx domain.Transaction) error {
			var err error
			batch, err = tx.RemoveUnit(unit)
			return err
		})
		if txErr != nil {
			return unit, txErr
		}
		s.cache.Invalidate(uniqPrefix + unit)
		return unit, nil
	})
	if err != nil {
		return domain.Batch{}, res, err
	}
	s.logger.Info("unit removed", "sequence", batch.Sequence, "count", batch.Count(), "state", batch.State)
	return batch, res, nil
}

// Finalize renders the export artifact for the open batch and commits it to
// history as one record. The batch must be full, or building with at least
// one unit. Export failure leaves the batch open for retry.
func (s *Service) Finalize(ctx context.Context, category, destination string) (domain.BatchRecord, domain.Result, error) {
	var record domain.BatchRecord
	var res domain.Result
	err := s.instrument(ctx, "finalize_batch", func(ctx context.Context) (string, error) {
		open, ok := s.store.ActiveBatch()
		if !ok {
			return "", errors.New("no batch to finalize")
		}
		id := domain.SequenceID(open.Sequence)
		if open.State == domain.BatchExported {
			return id, fmt.Errorf("batch %d is already exported", open.Sequence)
		}
		if open.Count() == 0 {
			return id, fmt.Errorf("batch %d has no units", open.Sequence)
		}

		record = domain.BatchRecord{
			Sequence:    open.Sequence,
			Units:       append([]string(nil), open.Units...),
			Category:    strings.TrimSpace(category),
			Destination: strings.TrimSpace(destination),
			CompletedAt: s.now(),
		}
		if s.exporter != nil {
			artifact, err := s.exporter.Export(ctx, record, s.exportSource())
			if err != nil {
				return id, err
			}
			record.ArtifactPath = artifact.Path
		}

		var txErr error
		res, txErr = s.runTx(ctx, func(tx domain.Transaction) error {
			var err error
			record, err = tx.FinalizeBatch(record)
			return err
		})
		if txErr != nil {
			if record.ArtifactPath != "" {
				s.logger.Warn("artifact published but history commit failed", "artifact", record.ArtifactPath, "error", txErr)
			}
			return id, txErr
		}
		s.invalidateUnits(record.Units)
		return id, nil
	})
	if err != nil {
		return domain.BatchRecord{}, res, err
	}
	s.logger.Info("batch finalized", "sequence", record.Sequence, "units", len(record.Units), "artifact", record.ArtifactPath)
	return record, res, nil
}

// exportSource adapts the configured reference dataset for the exporter,
// avoiding a typed-nil interface when no snapshot is loaded yet.
func (s *Service) exportSource() export.ReferenceSource {
	if s.reference == nil {
		return nil
	}
	if ds := s.reference.Dataset(); ds != nil {
		return ds
	}
	return nil
}

// Reset discards the open building batch and frees its reservations.
func (s *Service) Reset(ctx context.Context) (domain.Result, error) {
	var res domain.Result
	var discarded domain.Batch
	err := s.instrument(ctx, "reset_batch", func(ctx context.Context) (string, error) {
		var txErr error
		res, txErr = s.runTx(ctx, func(tx domain.Transaction) error {
			var err error
			discarded, err = tx.ResetBatch()
			return err
		})
		if txErr != nil {
			return "", txErr
		}
		s.invalidateUnits(discarded.Units)
		return domain.SequenceID(discarded.Sequence), nil
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("batch reset", "sequence", discarded.Sequence, "discarded", discarded.Count())
	return res, nil
}

func (s *Service) invalidateUnits(units []string) {
	if len(units) == 0 {
		return
	}
	keys := make([]string, 0, len(units))
	for _, unit := range units {
		keys = append(keys, uniqPrefix+unit)
	}
	s.cache.Invalidate(keys...)
}

// Status returns a read-only projection of the open batch.
func (s *Service) Status(ctx context.Context) (domain.BatchStatus, error) {
	var status domain.BatchStatus
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if batch, ok := view.ActiveBatch(); ok {
			status = domain.BatchStatus{
				Active:   true,
				Sequence: batch.Sequence,
				State:    batch.State,
				Count:    batch.Count(),
				Capacity: batch.Capacity,
				Units:    batch.Units,
			}
		}
		return nil
	})
	return status, err
}

// Query returns history records matching q.
func (s *Service) Query(ctx context.Context, q RecordQuery) ([]domain.BatchRecord, error) {
	var records []domain.BatchRecord
	err := s.instrument(ctx, "query_history", func(context.Context) (string, error) {
		records = filterRecords(s.store.ListRecords(), q, s.now())
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// filterRecords applies q to records, preserving commit order unless a sort
// is requested.
func filterRecords(records []domain.BatchRecord, q RecordQuery, now time.Time) []domain.BatchRecord {
	out := make([]domain.BatchRecord, 0, len(records))
	dest := strings.TrimSpace(q.Destination)
	for _, rec := range records {
		if rec.Hidden && !q.IncludeHidden {
			continue
		}
		if !q.Range.inRange(rec.CompletedAt, now) {
			continue
		}
		if dest != "" && rec.Destination != dest {
			continue
		}
		if !rec.ContainsUnit(q.Search) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out, q.Sort, q.Desc)
	return out
}

// sortRecords orders records by key. Sorting is stable: ties keep their
// commit order in both directions, so sorting twice is idempotent.
func sortRecords(records []domain.BatchRecord, key SortKey, desc bool) {
	var less func(a, b domain.BatchRecord) bool
	switch key {
	case SortSequence:
		less = func(a, b domain.BatchRecord) bool { return a.Sequence < b.Sequence }
	case SortCompletion:
		less = func(a, b domain.BatchRecord) bool { return a.CompletedAt.Before(b.CompletedAt) }
	case SortArtifact:
		less = func(a, b domain.BatchRecord) bool { return a.ArtifactName() < b.ArtifactName() }
	default:
		return
	}
	if desc {
		asc := less
		less = func(a, b domain.BatchRecord) bool { return asc(b, a) }
	}
	sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j]) })
}

// Delete removes a history record, frees its identifier reservations, and
// removes its artifact best-effort. A missing artifact is tolerated.
func (s *Service) Delete(ctx context.Context, sequence int) (domain.Result, error) {
	var res domain.Result
	err := s.instrument(ctx, "delete_record", func(ctx context.Context) (string, error) {
		id := domain.SequenceID(sequence)
		rec, ok := s.store.FindRecord(sequence)
		if !ok {
			return id, fmt.Errorf("record %d not found", sequence)
		}
		var txErr error
		res, txErr = s.runTx(ctx, func(tx domain.Transaction) error {
			return tx.DeleteRecord(sequence)
		})
		if txErr != nil {
			return id, txErr
		}
		s.invalidateUnits(rec.Units)
		s.removeArtifact(ctx, rec)
		return id, nil
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("record deleted", "sequence", sequence)
	return res, nil
}

// removeArtifact deletes the record's artifact through the resolution chain.
// Failures are logged, never surfaced: the record is already gone.
func (s *Service) removeArtifact(ctx context.Context, rec domain.BatchRecord) {
	if s.resolver == nil || rec.ArtifactPath == "" {
		return
	}
	loc, err := s.resolver.Resolve(ctx, rec.ArtifactPath)
	switch {
	case err != nil:
		s.logger.Warn("artifact lookup failed", "sequence", rec.Sequence, "artifact", rec.ArtifactPath, "error", err)
	case !loc.Found():
		s.logger.Info("artifact already absent", "sequence", rec.Sequence, "artifact", rec.ArtifactPath)
	default:
		if err := s.resolver.Remove(ctx, loc); err != nil {
			s.logger.Warn("artifact delete failed", "sequence", rec.Sequence, "artifact", rec.ArtifactPath, "error", err)
		}
	}
}

// Reconcile hides records whose artifact no longer resolves and restores
// previously hidden records whose artifact is back. Records without an
// artifact stay visible. Probe failures leave records untouched.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	err := s.instrument(ctx, "reconcile", func(ctx context.Context) (string, error) {
		if s.resolver == nil {
			return "", nil
		}
		type update struct {
			sequence int
			hidden   bool
		}
		var updates []update
		for _, rec := range s.store.ListRecords() {
			if rec.ArtifactPath == "" {
				if rec.Hidden {
					updates = append(updates, update{sequence: rec.Sequence})
					report.Restored++
				}
				continue
			}
			report.Checked++
			loc, err := s.resolver.Resolve(ctx, rec.ArtifactPath)
			if err != nil {
				report.Skipped++
				s.logger.Warn("artifact probe failed", "sequence", rec.Sequence, "artifact", rec.ArtifactPath, "error", err)
				continue
			}
			switch {
			case !loc.Found() && !rec.Hidden:
				updates = append(updates, update{sequence: rec.Sequence, hidden: true})
				report.Hidden++
			case loc.Found() && rec.Hidden:
				updates = append(updates, update{sequence: rec.Sequence})
				report.Restored++
			}
		}
		if len(updates) == 0 {
			return "", nil
		}
		_, txErr := s.runTx(ctx, func(tx domain.Transaction) error {
			for _, u := range updates {
				if _, err := tx.UpdateRecord(u.sequence, func(r *domain.BatchRecord) error {
					r.Hidden = u.hidden
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
		return "", txErr
	})
	if err != nil {
		return report, err
	}
	if report.Hidden > 0 || report.Restored > 0 {
		s.logger.Info("history reconciled", "checked", report.Checked, "hidden", report.Hidden, "restored", report.Restored)
	}
	return report, nil
}

// ReloadReference reloads the reference dataset and drops every cached
// reference verdict.
func (s *Service) ReloadReference(ctx context.Context) error {
	err := s.instrument(ctx, "reload_reference", func(ctx context.Context) (string, error) {
		if s.reference == nil {
			return "", errors.New("no reference source configured")
		}
		if err := s.reference.Load(ctx); err != nil {
			return "", err
		}
		s.cache.InvalidatePrefix(refPrefix)
		return "", nil
	})
	if err != nil {
		return err
	}
	if ds := s.reference.Dataset(); ds != nil {
		s.logger.Info("reference dataset reloaded", "path", ds.Path(), "records", ds.Len(), "skipped", ds.Skipped())
	}
	return nil
}
