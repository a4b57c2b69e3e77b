package refdata

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"palletcore/internal/sheet"
	"palletcore/pkg/domain"
)

// DefaultProbeInterval throttles how often lookups re-check the source file
// for modification.
const DefaultProbeInterval = 2 * time.Second

// LoaderOption adjusts loader construction.
type LoaderOption func(*Loader)

// WithProbeInterval overrides the source modification probe throttle.
func WithProbeInterval(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.probeInterval = d
		}
	}
}

// WithNowFunc overrides the clock used for probe throttling and snapshot
// timestamps.
func WithNowFunc(now func() time.Time) LoaderOption {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdentifierColumn names the header of the identifier column when the
// source does not use a recognizable one.
func WithIdentifierColumn(name string) LoaderOption {
	return func(l *Loader) { l.identifierColumn = name }
}

// Loader owns the current dataset snapshot. Loads happen off the startup
// path; lookups serve the last good snapshot and re-probe the source at most
// once per probe interval, swapping in a fresh snapshot only when a reload
// fully succeeds.
type Loader struct {
	locator          Locator
	identifierColumn string
	probeInterval    time.Duration
	now              func() time.Time

	current atomic.Pointer[Dataset]

	ready    chan struct{}
	readyErr error
	once     sync.Once

	probeMu   sync.Mutex
	lastProbe time.Time
}

// NewLoader constructs a loader over the given source locator.
func NewLoader(locator Locator, opts ...LoaderOption) *Loader {
	l := &Loader{
		locator:       locator,
		probeInterval: DefaultProbeInterval,
		now:           time.Now,
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start kicks off the initial load in the background so startup is not
// blocked on a slow or missing source. The outcome is reported through
// WaitReady.
func (l *Loader) Start(ctx context.Context) {
	go func() {
		err := l.Load(ctx)
		l.once.Do(func() {
			l.readyErr = err
			close(l.ready)
		})
	}()
}

// WaitReady blocks until the initial load finishes and returns its result.
// A failed initial load leaves the loader usable: a later Load or probe can
// still bring a snapshot in.
func (l *Loader) WaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return l.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load resolves the source and replaces the current snapshot. The swap is
// atomic: on any failure the previous snapshot keeps serving.
func (l *Loader) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.locator.Resolve()
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return &domain.Error{Kind: domain.KindSourceUnavailable, Path: path, Err: err}
	}
	rows, err := sheet.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.Error{Kind: domain.KindSourceUnavailable, Path: path, Err: err}
		}
		if os.IsPermission(err) {
			// An editor holding the file open surfaces as a permission or
			// sharing error. The source is intact, just locked.
			return &domain.Error{Kind: domain.KindSourceLocked, Path: path, Err: err}
		}
		return &domain.Error{Kind: domain.KindSourceCorrupt, Path: path, Err: err}
	}
	records, headers, skipped, err := buildDataset(rows, l.identifierColumn)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Path == "" {
			derr.Path = path
		}
		return err
	}
	l.current.Store(&Dataset{
		path:     path,
		modTime:  info.ModTime(),
		size:     info.Size(),
		loadedAt: l.now(),
		headers:  headers,
		idCol:    findIdentifierColumn(headers, l.identifierColumn),
		records:  records,
		skipped:  skipped,
	})
	l.probeMu.Lock()
	l.lastProbe = l.now()
	l.probeMu.Unlock()
	return nil
}

// Dataset returns the current snapshot, or nil before the first successful
// load.
func (l *Loader) Dataset() *Dataset {
	return l.current.Load()
}

// Lookup serves a single identifier from the current snapshot, first giving
// the source a throttled chance to be reloaded if it changed on disk.
func (l *Loader) Lookup(ctx context.Context, unit string) (domain.ReferenceRecord, bool, error) {
	l.maybeReload(ctx)
	ds := l.current.Load()
	if ds == nil {
		return domain.ReferenceRecord{}, false, &domain.Error{Kind: domain.KindSourceUnavailable, Detail: "reference dataset not loaded"}
	}
	rec, ok := ds.Lookup(unit)
	return rec, ok, nil
}

// maybeReload re-stats the source at most once per probe interval and
// reloads when its modification time or size changed. Reload failures are
// swallowed here; the stale snapshot keeps serving and the next explicit
// Load reports the problem.
func (l *Loader) maybeReload(ctx context.Context) {
	ds := l.current.Load()
	if ds == nil {
		return
	}
	l.probeMu.Lock()
	now := l.now()
	if now.Sub(l.lastProbe) < l.probeInterval {
		l.probeMu.Unlock()
		return
	}
	l.lastProbe = now
	l.probeMu.Unlock()

	info, err := os.Stat(ds.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(ds.modTime) && info.Size() == ds.size {
		return
	}
	_ = l.Load(ctx)
}
