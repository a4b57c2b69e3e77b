package core

import (
	"context"
	"time"

	"palletcore/pkg/domain"
)

// Logger is the minimal structured logging contract the service emits
// through. Arguments follow the slog convention of alternating keys and
// values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the service's notion of now. Stores that carry their own
// clock take precedence; see selectNowFunc.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus distinguishes audit entries for succeeded and failed
// operations.
type AuditStatus string

// Audit entry statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry captures one service operation for the audit trail.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries for mutating operations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MetricsRecorder receives one observation per service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a span started by a Tracer.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// auditOps maps instrumented operation names onto the entity and action the
// audit trail records for them. Read-only operations are deliberately absent:
// they are measured and traced but not audited.
var auditOps = map[string]struct {
	entity domain.EntityType
	action domain.Action
}{
	"start_batch":    {domain.EntityBatch, domain.ActionCreate},
	"add_unit":       {domain.EntityBatch, domain.ActionUpdate},
	"remove_unit":    {domain.EntityBatch, domain.ActionUpdate},
	"seal_batch":     {domain.EntityBatch, domain.ActionUpdate},
	"finalize_batch": {domain.EntityBatchRecord, domain.ActionCreate},
	"reset_batch":    {domain.EntityBatch, domain.ActionDelete},
	"delete_record":  {domain.EntityBatchRecord, domain.ActionDelete},
	"reconcile":      {domain.EntityBatchRecord, domain.ActionUpdate},
}

// recordAuditSuccess writes a success entry for op. Operations without audit
// metadata are ignored.
func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	meta, ok := auditOps[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now(),
	})
}

// recordAuditError writes an error entry for op. Operations without audit
// metadata are ignored.
func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := auditOps[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusError,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// instrument wraps one service operation with tracing, metrics, and auditing.
// fn returns the audited entity identifier alongside its error.
func (s *Service) instrument(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entityID, err := fn(ctx)
	duration := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.recordAuditError(ctx, op, entityID, duration, err)
		return err
	}
	s.recordAuditSuccess(ctx, op, entityID, duration)
	return nil
}
