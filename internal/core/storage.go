package core

import (
	"fmt"
	"os"

	"palletcore/internal/infra/persistence/file"
	"palletcore/internal/infra/persistence/memory"
	"palletcore/internal/infra/persistence/postgres"
	"palletcore/internal/infra/persistence/sqlite"
	"palletcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageFile     StorageDriver = "file"     // single JSON history document
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// NewMemoryStore constructs the in-memory store used by tests and ephemeral
// runs.
func NewMemoryStore(engine *domain.RulesEngine) *memory.Store {
	return memory.NewStore(engine)
}

// NewInMemoryService creates a service over a fresh in-memory store with the
// given rules engine.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	return NewService(NewMemoryStore(engine), opts...)
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to the JSON history document when unset.
//
//	PALLETCORE_STORAGE_DRIVER: memory|file|sqlite|postgres (default file)
//	PALLETCORE_HISTORY_PATH: path to the history document (default ./pallet_history.json)
//	PALLETCORE_SQLITE_PATH: path to sqlite file when driver=sqlite
//	PALLETCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *domain.RulesEngine) (PersistentStore, error) {
	driver := os.Getenv("PALLETCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageFile)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageFile:
		fs, err := file.NewStore(os.Getenv("PALLETCORE_HISTORY_PATH"), engine)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StorageSQLite:
		path := os.Getenv("PALLETCORE_SQLITE_PATH")
		if path == "" {
			path = "palletcore.db"
		}
		ss, err := sqlite.NewStore(path, engine)
		if err != nil {
			return nil, err
		}
		return ss, nil
	case StoragePostgres:
		ps, err := postgres.NewStore(os.Getenv("PALLETCORE_POSTGRES_DSN"), engine)
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
