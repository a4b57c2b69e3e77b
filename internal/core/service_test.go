package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"palletcore/internal/infra/persistence/file"
	"palletcore/internal/refdata"
	"palletcore/pkg/domain"
)

// stubReference serves a fixed identifier set without touching disk.
type stubReference struct {
	mu      sync.Mutex
	units   map[string]domain.ReferenceRecord
	loadErr error
	loads   int
}

func newStubReference(units ...string) *stubReference {
	ref := &stubReference{units: make(map[string]domain.ReferenceRecord, len(units))}
	for _, unit := range units {
		ref.units[unit] = domain.ReferenceRecord{Identifier: unit}
	}
	return ref
}

func (r *stubReference) withAttr(unit, key, value string) *stubReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.units[unit]
	rec.Identifier = unit
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string)
	}
	rec.Attributes[key] = value
	r.units[unit] = rec
	return r
}

func (r *stubReference) put(unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unit] = domain.ReferenceRecord{Identifier: unit}
}

func (r *stubReference) drop(unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, unit)
}

func (r *stubReference) Lookup(_ context.Context, unit string) (domain.ReferenceRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return domain.ReferenceRecord{}, false, r.loadErr
	}
	rec, ok := r.units[unit]
	return rec, ok, nil
}

func (r *stubReference) Load(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	return r.loadErr
}

func (r *stubReference) WaitReady(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

func (r *stubReference) Dataset() *refdata.Dataset { return nil }

func unitIDs(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("U-%03d", i))
	}
	return out
}

func newScanService(t *testing.T, capacity int, opts ...ServiceOption) (*Service, *stubReference) {
	t.Helper()
	ref := newStubReference(unitIDs(40)...)
	base := []ServiceOption{WithReference(ref), WithCapacity(capacity)}
	return NewInMemoryService(NewDefaultRulesEngine(), append(base, opts...)...), ref
}

func mustStartBatch(t *testing.T, svc *Service) domain.Batch {
	t.Helper()
	batch, _, err := svc.StartBatch(context.Background())
	if err != nil {
		t.Fatalf("start batch: %v", err)
	}
	return batch
}

func mustAddUnits(t *testing.T, svc *Service, units ...string) domain.Batch {
	t.Helper()
	var batch domain.Batch
	for _, unit := range units {
		var err error
		batch, _, err = svc.AddUnit(context.Background(), unit)
		if err != nil {
			t.Fatalf("add %s: %v", unit, err)
		}
	}
	return batch
}

func TestScanFlowFillsBatchAtCapacity(t *testing.T) {
	svc, _ := newScanService(t, 25)
	ctx := context.Background()
	mustStartBatch(t, svc)

	units := unitIDs(26)
	batch := mustAddUnits(t, svc, units[:24]...)
	if batch.State != domain.BatchBuilding || batch.Count() != 24 {
		t.Fatalf("after 24 adds: state=%s count=%d", batch.State, batch.Count())
	}

	batch, _, err := svc.AddUnit(ctx, units[24])
	if err != nil {
		t.Fatalf("25th add should fill the batch: %v", err)
	}
	if batch.State != domain.BatchFull || batch.Count() != 25 {
		t.Fatalf("after 25th add: state=%s count=%d", batch.State, batch.Count())
	}

	if _, _, err := svc.AddUnit(ctx, units[25]); !domain.IsKind(err, domain.KindBatchFull) {
		t.Fatalf("26th add: expected batch full, got %v", err)
	}
	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Count != 25 || status.State != domain.BatchFull {
		t.Fatalf("rejected add mutated the batch: %+v", status)
	}
}

func TestAddUnitNormalizesAndDeduplicates(t *testing.T) {
	svc, _ := newScanService(t, 5)
	ctx := context.Background()
	mustStartBatch(t, svc)

	batch, _, err := svc.AddUnit(ctx, "  u-001 ")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if batch.Units[0] != "U-001" {
		t.Fatalf("expected normalized identifier, got %q", batch.Units[0])
	}

	_, _, err = svc.AddUnit(ctx, "u-001")
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.KindDuplicateUnit {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if !derr.CurrentBatch {
		t.Fatalf("duplicate should point at the current batch: %+v", derr)
	}
	if !strings.Contains(err.Error(), "current batch") {
		t.Fatalf("duplicate message should name the current batch: %v", err)
	}
}

func TestAddUnitRejectsMalformedIdentifiers(t *testing.T) {
	svc, _ := newScanService(t, 5)
	ctx := context.Background()
	mustStartBatch(t, svc)

	cases := []struct {
		name string
		raw  string
	}{
		{"blank", "   "},
		{"too long", strings.Repeat("A", 101)},
		{"control characters", "AB\x07C"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.AddUnit(ctx, tc.raw); !domain.IsKind(err, domain.KindInvalidFormat) {
				t.Fatalf("expected invalid format, got %v", err)
			}
		})
	}
	status, _ := svc.Status(ctx)
	if status.Count != 0 {
		t.Fatalf("rejected identifiers must not enter the batch: %+v", status)
	}
}

func TestAddUnitWithoutOpenBatch(t *testing.T) {
	svc, _ := newScanService(t, 5)
	if _, _, err := svc.AddUnit(context.Background(), "U-001"); !domain.IsKind(err, domain.KindBatchNotAcceptingUnits) {
		t.Fatalf("expected batch not accepting units, got %v", err)
	}
}

func TestAddUnitUnknownUnitPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("reject by default", func(t *testing.T) {
		svc, _ := newScanService(t, 5)
		mustStartBatch(t, svc)
		if _, _, err := svc.AddUnit(ctx, "GHOST-1"); !domain.IsKind(err, domain.KindUnknownUnit) {
			t.Fatalf("expected unknown unit, got %v", err)
		}
		status, _ := svc.Status(ctx)
		if status.Count != 0 {
			t.Fatalf("rejected unit must not enter the batch")
		}
	})

	t.Run("accept with warning", func(t *testing.T) {
		svc, _ := newScanService(t, 5, WithAcceptUnknownUnits(true))
		mustStartBatch(t, svc)
		batch, res, err := svc.AddUnit(ctx, "GHOST-1")
		if err != nil {
			t.Fatalf("policy should accept the unit: %v", err)
		}
		if batch.Count() != 1 {
			t.Fatalf("unit not appended: %+v", batch)
		}
		var warned bool
		for _, v := range res.Violations {
			if v.Rule == "reference_presence" && v.Severity == domain.SeverityWarn && v.EntityID == "GHOST-1" {
				warned = true
			}
		}
		if !warned {
			t.Fatalf("expected a warn violation, got %+v", res.Violations)
		}
	})
}

func TestDuplicateAgainstHistoryNamesRecord(t *testing.T) {
	svc, _ := newScanService(t, 5)
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001")
	if _, _, err := svc.Finalize(ctx, "200WT", "North Dock"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	mustStartBatch(t, svc)
	_, _, err := svc.AddUnit(ctx, "U-001")
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.KindDuplicateUnit {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if derr.CurrentBatch || derr.Sequence != 1 {
		t.Fatalf("duplicate should reference record 1: %+v", derr)
	}
	if !strings.Contains(err.Error(), "recorded in batch 1") {
		t.Fatalf("duplicate message should name record 1: %v", err)
	}
}

func TestRemoveUnitReopensFullBatch(t *testing.T) {
	svc, _ := newScanService(t, 3)
	ctx := context.Background()
	mustStartBatch(t, svc)
	batch := mustAddUnits(t, svc, "U-001", "U-002", "U-003")
	if batch.State != domain.BatchFull {
		t.Fatalf("expected full batch, got %s", batch.State)
	}

	batch, _, err := svc.RemoveUnit(ctx, "u-002")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if batch.State != domain.BatchBuilding || batch.Count() != 2 {
		t.Fatalf("expected reopened batch: state=%s count=%d", batch.State, batch.Count())
	}

	batch = mustAddUnits(t, svc, "U-004")
	if batch.State != domain.BatchFull || batch.Count() != 3 {
		t.Fatalf("expected refill: state=%s count=%d", batch.State, batch.Count())
	}

	if _, _, err := svc.RemoveUnit(ctx, "U-099"); err == nil || domain.KindOf(err) != "" {
		t.Fatalf("removing an absent unit should be a plain error, got %v", err)
	}
}

func TestFinalizeCommitsRecordAndClearsBatch(t *testing.T) {
	svc, _ := newScanService(t, 3)
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001", "U-002", "U-003")

	rec, _, err := svc.Finalize(ctx, " 200WT ", " North Dock ")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rec.Sequence != 1 || len(rec.Units) != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Category != "200WT" || rec.Destination != "North Dock" {
		t.Fatalf("labels should be trimmed: %+v", rec)
	}
	if rec.CompletedAt.IsZero() {
		t.Fatalf("completion time not set")
	}
	if rec.ArtifactPath != "" {
		t.Fatalf("no exporter configured, artifact should be empty: %q", rec.ArtifactPath)
	}

	status, _ := svc.Status(ctx)
	if status.Active {
		t.Fatalf("batch should be cleared after finalize: %+v", status)
	}
	records, err := svc.Query(ctx, RecordQuery{})
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(records), err)
	}

	if _, _, err := svc.Finalize(ctx, "200WT", "North Dock"); err == nil {
		t.Fatalf("second finalize should fail with no open batch")
	}
}

func TestFinalizePartialBuildingBatch(t *testing.T) {
	svc, _ := newScanService(t, 25)
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001", "U-002")

	rec, _, err := svc.Finalize(ctx, "330WT", "South Dock")
	if err != nil {
		t.Fatalf("partial finalize: %v", err)
	}
	if len(rec.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(rec.Units))
	}
}

func TestFinalizeRequiresUnits(t *testing.T) {
	svc, _ := newScanService(t, 5)
	ctx := context.Background()
	mustStartBatch(t, svc)

	_, _, err := svc.Finalize(ctx, "200WT", "North Dock")
	if err == nil || !strings.Contains(err.Error(), "has no units") {
		t.Fatalf("expected empty batch rejection, got %v", err)
	}
	status, _ := svc.Status(ctx)
	if !status.Active {
		t.Fatalf("rejected finalize must keep the batch open")
	}
}

func TestResetDiscardsBuildingOnly(t *testing.T) {
	svc, _ := newScanService(t, 3)
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001", "U-002")

	if _, err := svc.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	status, _ := svc.Status(ctx)
	if status.Active {
		t.Fatalf("reset should close the batch: %+v", status)
	}

	// Reservations are released: the same identifiers scan again.
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001", "U-002", "U-003")

	if _, err := svc.Reset(ctx); err == nil || !strings.Contains(err.Error(), "cannot be reset") {
		t.Fatalf("full batch reset should fail, got %v", err)
	}
}

func TestDeleteFreesIdentifiersForRescan(t *testing.T) {
	svc, _ := newScanService(t, 5)
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001")
	if _, _, err := svc.Finalize(ctx, "200WT", "North Dock"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := svc.Delete(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, _ := svc.Query(ctx, RecordQuery{})
	if len(records) != 0 {
		t.Fatalf("record should be gone, got %d", len(records))
	}

	mustStartBatch(t, svc)
	if _, _, err := svc.AddUnit(ctx, "U-001"); err != nil {
		t.Fatalf("identifier should be scannable after delete: %v", err)
	}

	if _, err := svc.Delete(ctx, 99); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing record error, got %v", err)
	}
}

func TestPersistenceFaultLifecycle(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	store, err := file.NewStore(filepath.Join(stateDir, "history.json"), NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(store, WithReference(newStubReference(unitIDs(5)...)))
	ctx := context.Background()
	mustStartBatch(t, svc)

	if err := os.RemoveAll(stateDir); err != nil {
		t.Fatalf("remove state dir: %v", err)
	}
	_, _, err = svc.AddUnit(ctx, "U-001")
	if !domain.IsKind(err, domain.KindPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if svc.PersistenceFault() == nil {
		t.Fatalf("fault should be retained for callers")
	}
	if batch, ok := store.ActiveBatch(); !ok || batch.Count() != 0 {
		t.Fatalf("failed commit must roll back in-memory state: %+v", batch)
	}

	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		t.Fatalf("restore state dir: %v", err)
	}
	if _, _, err := svc.AddUnit(ctx, "U-001"); err != nil {
		t.Fatalf("retry after restoring the directory: %v", err)
	}
	if svc.PersistenceFault() != nil {
		t.Fatalf("fault should clear after a clean commit")
	}
}

func TestPowerRangeWarningsSurfaceOnFinalize(t *testing.T) {
	ref := newStubReference("U-001", "U-002").
		withAttr("U-001", "pm", "210.5").
		withAttr("U-002", "pm", "200.0")
	engine := NewDefaultRulesEngine()
	engine.Register(NewPowerRangeRule(ref))
	svc := NewInMemoryService(engine, WithReference(ref), WithCapacity(5))
	ctx := context.Background()
	mustStartBatch(t, svc)
	mustAddUnits(t, svc, "U-001", "U-002")

	_, res, err := svc.Finalize(ctx, "200WT", "North Dock")
	if err != nil {
		t.Fatalf("warnings must not block finalize: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one warning, got %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Rule != "power_range" || v.Severity != domain.SeverityWarn {
		t.Fatalf("unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Message, "U-001") || !strings.Contains(v.Message, "210.5") {
		t.Fatalf("warning should name the unit and reading: %s", v.Message)
	}
}

func TestReferenceCacheInvalidatedOnReload(t *testing.T) {
	svc, ref := newScanService(t, 10)
	ctx := context.Background()
	mustStartBatch(t, svc)

	ref.drop("U-002")
	if _, _, err := svc.AddUnit(ctx, "U-002"); !domain.IsKind(err, domain.KindUnknownUnit) {
		t.Fatalf("expected unknown unit, got %v", err)
	}

	// The dataset now has it, but the cached verdict still rejects.
	ref.put("U-002")
	if _, _, err := svc.AddUnit(ctx, "U-002"); !domain.IsKind(err, domain.KindUnknownUnit) {
		t.Fatalf("expected cached verdict to reject, got %v", err)
	}

	if err := svc.ReloadReference(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ref.loads != 1 {
		t.Fatalf("expected one load, got %d", ref.loads)
	}
	if _, _, err := svc.AddUnit(ctx, "U-002"); err != nil {
		t.Fatalf("reload should drop cached verdicts: %v", err)
	}
}

func TestWaitReadySurfacesLoadFailure(t *testing.T) {
	ref := newStubReference()
	ref.loadErr = &domain.Error{Kind: domain.KindSourceUnavailable, Path: "missing.xlsx"}
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithReference(ref))
	if err := svc.WaitReady(context.Background()); !domain.IsKind(err, domain.KindSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}

	bare := NewInMemoryService(NewDefaultRulesEngine())
	if err := bare.WaitReady(context.Background()); err != nil {
		t.Fatalf("no reference configured, expected nil: %v", err)
	}
}
