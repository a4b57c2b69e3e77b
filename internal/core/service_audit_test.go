package core

import (
	"context"
	"errors"
	"testing"
	"time"

	memory "palletcore/internal/infra/persistence/memory"
	"palletcore/pkg/domain"
)

func TestRecordAuditSuccessUsesMetadata(t *testing.T) {
	fixed := time.Date(2026, 8, 25, 8, 30, 0, 0, time.UTC)
	recorder := &auditRecorderStub{}
	store := clockOverrideStore{Store: NewMemoryStore(NewDefaultRulesEngine())}
	svc := NewService(
		store,
		WithAuditRecorder(recorder),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	duration := 42 * time.Millisecond
	svc.recordAuditSuccess(context.Background(), "finalize_batch", "7", duration)

	if len(recorder.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != "finalize_batch" {
		t.Fatalf("unexpected operation: %s", entry.Operation)
	}
	if entry.Entity != domain.EntityBatchRecord {
		t.Fatalf("expected entity batch record, got %s", entry.Entity)
	}
	if entry.Action != domain.ActionCreate {
		t.Fatalf("expected create action, got %s", entry.Action)
	}
	if entry.EntityID != "7" {
		t.Fatalf("expected entity id 7, got %s", entry.EntityID)
	}
	if entry.Status != AuditStatusSuccess {
		t.Fatalf("expected success status, got %s", entry.Status)
	}
	if entry.Duration != duration {
		t.Fatalf("expected duration %v, got %v", duration, entry.Duration)
	}
	if !entry.Timestamp.Equal(fixed) {
		t.Fatalf("expected timestamp %v, got %v", fixed, entry.Timestamp)
	}
}

func TestRecordAuditErrorCarriesMessage(t *testing.T) {
	recorder := &auditRecorderStub{}
	store := clockOverrideStore{Store: NewMemoryStore(NewDefaultRulesEngine())}
	svc := NewService(store, WithAuditRecorder(recorder))

	svc.recordAuditError(context.Background(), "delete_record", "3", time.Millisecond, errors.New("boom"))

	if len(recorder.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Status != AuditStatusError {
		t.Fatalf("expected error status, got %s", entry.Status)
	}
	if entry.Error != "boom" {
		t.Fatalf("expected error message, got %q", entry.Error)
	}
	if entry.Entity != domain.EntityBatchRecord || entry.Action != domain.ActionDelete {
		t.Fatalf("unexpected metadata: %+v", entry)
	}
}

func TestRecordAuditSuccessIgnoresUnknownOperation(t *testing.T) {
	recorder := &auditRecorderStub{}
	store := clockOverrideStore{Store: NewMemoryStore(NewDefaultRulesEngine())}
	svc := NewService(
		store,
		WithAuditRecorder(recorder),
	)

	svc.recordAuditSuccess(context.Background(), "unknown_operation", "entity", time.Second)
	svc.recordAuditError(context.Background(), "status", "entity", time.Second, errors.New("boom"))

	if len(recorder.entries) != 0 {
		t.Fatalf("expected no audit entries for unknown operations, got %d", len(recorder.entries))
	}
}

func TestStoreClockWinsOverOption(t *testing.T) {
	storeTime := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	optionTime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	store := NewMemoryStore(NewDefaultRulesEngine())
	store.SetNowFunc(func() time.Time { return storeTime })
	svc := NewService(store, WithClock(ClockFunc(func() time.Time { return optionTime })))
	if got := svc.now(); !got.Equal(storeTime) {
		t.Fatalf("store clock should win: got %v", got)
	}

	overridden := clockOverrideStore{Store: NewMemoryStore(NewDefaultRulesEngine())}
	svc = NewService(overridden, WithClock(ClockFunc(func() time.Time { return optionTime })))
	if got := svc.now(); !got.Equal(optionTime) {
		t.Fatalf("option clock should apply when the store has none: got %v", got)
	}
}

func TestNoopImplementations(t *testing.T) {
	var logger noopLogger
	logger.Debug("noop")
	logger.Info("noop")
	logger.Warn("noop")
	logger.Error("noop")

	var audit noopAuditRecorder
	audit.Record(context.Background(), AuditEntry{})

	var metrics noopMetricsRecorder
	metrics.Observe(context.Background(), "noop", true, 0)

	tracer := noopTracer{}
	ctx, span := tracer.Start(context.Background(), "op")
	if ctx == nil {
		t.Fatalf("expected context from tracer")
	}
	span.End(nil)
}

type auditRecorderStub struct {
	entries []AuditEntry
}

func (r *auditRecorderStub) Record(_ context.Context, entry AuditEntry) {
	r.entries = append(r.entries, entry)
}

type clockOverrideStore struct {
	*memory.Store
}

func (clockOverrideStore) NowFunc() func() time.Time {
	return nil
}
