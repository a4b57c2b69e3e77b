package core

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"palletcore/internal/infra/persistence/file"
	"palletcore/internal/infra/persistence/memory"
	"palletcore/internal/infra/persistence/postgres"
	"palletcore/internal/infra/persistence/postgres/testutil"
	"palletcore/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreDefaultsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	t.Setenv("PALLETCORE_STORAGE_DRIVER", "")
	t.Setenv("PALLETCORE_HISTORY_PATH", path)

	store, err := OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs, ok := store.(*file.Store)
	if !ok {
		t.Fatalf("expected file store, got %T", store)
	}
	if fs.Path() != path {
		t.Fatalf("path = %q, want %q", fs.Path(), path)
	}
}

func TestOpenPersistentStoreMemory(t *testing.T) {
	t.Setenv("PALLETCORE_STORAGE_DRIVER", "memory")

	store, err := OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistentStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pallet.db")
	t.Setenv("PALLETCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("PALLETCORE_SQLITE_PATH", path)

	store, err := OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ss, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if ss.Path() != path {
		t.Fatalf("path = %q, want %q", ss.Path(), path)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return db, nil
	})
	defer restore()

	t.Setenv("PALLETCORE_STORAGE_DRIVER", "postgres")
	t.Setenv("PALLETCORE_POSTGRES_DSN", "postgres://stub/palletcore")

	store, err := OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	t.Setenv("PALLETCORE_STORAGE_DRIVER", "etcd")

	if _, err := OpenPersistentStore(NewDefaultRulesEngine()); err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}
