// Command palletcore runs the interactive pallet assembly console. Scanned
// unit identifiers arrive on stdin, one per line; everything else is driven
// by short commands (type "help" at the prompt).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"palletcore/internal/blob"
	"palletcore/internal/config"
	"palletcore/internal/core"
	"palletcore/internal/export"
	"palletcore/internal/logging"
	"palletcore/internal/refdata"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err == nil {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"capacity", cfg.Batch.Capacity,
		"accept_unknown", cfg.Batch.AcceptUnknown,
		"export_format", cfg.Export.Format,
		"reference_configured", cfg.Reference.Configured(),
	)

	ctx := context.Background()

	engine := core.NewDefaultRulesEngine()

	var loader *refdata.Loader
	if cfg.Reference.Configured() {
		loader = refdata.NewLoader(refdata.Locator{
			ExplicitPath:  cfg.Reference.Path,
			PointerPath:   cfg.Reference.PointerPath,
			SearchDir:     cfg.Reference.SearchDir,
			SearchPattern: cfg.Reference.SearchPattern,
		},
			refdata.WithProbeInterval(cfg.Reference.ProbeInterval),
			refdata.WithIdentifierColumn(cfg.Reference.IdentifierColumn),
		)
		engine.Register(core.NewPowerRangeRule(loader))
		loader.Start(ctx)
	} else {
		slog.Warn("no reference dataset configured; every scan will be judged unknown")
	}

	store, err := core.OpenPersistentStore(engine)
	if err != nil {
		slog.Error("failed to open history store", "error", err)
		os.Exit(1)
	}

	blobStore, err := blob.Open(ctx)
	if err != nil {
		slog.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		slog.Error("failed to parse export format", "error", err)
		os.Exit(1)
	}
	exporter := export.New(blobStore,
		export.WithFormat(format),
		export.WithFallbackPrefix(cfg.Export.FallbackPrefix),
	)
	resolver := export.NewResolver(blobStore)

	opts := []core.ServiceOption{
		core.WithLogger(slog.Default()),
		core.WithCapacity(cfg.Batch.Capacity),
		core.WithAcceptUnknownUnits(cfg.Batch.AcceptUnknown),
		core.WithExporter(exporter),
		core.WithResolver(resolver),
		core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("palletcore")),
		core.WithAuditRecorder(slogAuditRecorder{}),
	}
	if loader != nil {
		opts = append(opts, core.WithReference(loader))
	}
	if cfg.Trace.Path != "" {
		traceFile, err := os.OpenFile(cfg.Trace.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open trace file", "path", cfg.Trace.Path, "error", err)
			os.Exit(1)
		}
		defer traceFile.Close()
		opts = append(opts, core.WithTracer(core.NewJSONTracer(traceFile)))
	}

	svc := core.NewService(store, opts...)

	// History loaded with the store; bring the hidden flags in line with the
	// artifacts actually on disk before the first query.
	if _, err := svc.Reconcile(ctx); err != nil {
		slog.Warn("startup reconcile failed", "error", err)
	}

	c := &console{svc: svc, blob: blobStore, resolver: resolver}
	if err := c.run(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("console failed", "error", err)
		os.Exit(1)
	}
}

// slogAuditRecorder writes the audit trail through the process logger.
type slogAuditRecorder struct{}

func (slogAuditRecorder) Record(_ context.Context, entry core.AuditEntry) {
	args := []any{
		"operation", entry.Operation,
		"entity", entry.Entity,
		"action", entry.Action,
		"entity_id", entry.EntityID,
		"duration", entry.Duration,
	}
	if entry.Status == core.AuditStatusError {
		slog.Warn("audit", append(args, "error", entry.Error)...)
		return
	}
	slog.Info("audit", args...)
}
