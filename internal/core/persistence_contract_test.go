package core

import (
	"go/types"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/tools/go/packages"
)

// loadModulePackages loads every package in the module with type information,
// including test variants.
func loadModulePackages(t *testing.T) []*packages.Package {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "palletcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	return pkgs
}

// lookupInterface resolves a named interface from a package in pkgs.
func lookupInterface(t *testing.T, pkgs []*packages.Package, pkgPath, name string) *types.Interface {
	t.Helper()
	for _, p := range pkgs {
		if p.PkgPath != pkgPath {
			continue
		}
		obj := p.Types.Scope().Lookup(name)
		if obj == nil {
			t.Fatalf("%s.%s not found", pkgPath, name)
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("%s.%s is not an interface", pkgPath, name)
		}
		return iface
	}
	t.Fatalf("failed to resolve %s.%s", pkgPath, name)
	return nil
}

// findImplementations returns every concrete struct type in pkgs whose pointer
// method set satisfies iface, outside the allowed package paths.
func findImplementations(pkgs []*packages.Package, iface *types.Interface, allowed map[string]struct{}) []string {
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			obj := p.Types.Scope().Lookup(name)
			named, ok := obj.Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if types.Implements(types.NewPointer(named), iface) {
				if _, ok := allowed[p.PkgPath]; !ok {
					unexpected = append(unexpected, p.PkgPath+"."+name)
				}
			}
		}
	}
	return unexpected
}

// TestPersistentStoreImplementationsHardening ensures only sanctioned
// persistence packages provide concrete implementations of the
// domain.PersistentStore interface. This guards architectural drift from
// introducing additional backends outside the vetted locations without an
// explicit test update.
func TestPersistentStoreImplementationsHardening(t *testing.T) {
	pkgs := loadModulePackages(t)
	iface := lookupInterface(t, pkgs, "palletcore/pkg/domain", "PersistentStore")

	allowed := map[string]struct{}{
		"palletcore/internal/infra/persistence/memory":   {},
		"palletcore/internal/infra/persistence/file":     {},
		"palletcore/internal/infra/persistence/sqlite":   {},
		"palletcore/internal/infra/persistence/postgres": {},
		"palletcore/internal/core":                       {}, // clock override double in tests
	}
	if unexpected := findImplementations(pkgs, iface, allowed); len(unexpected) > 0 {
		_, file, line, _ := runtime.Caller(0)
		t.Fatalf("unexpected PersistentStore implementations (update allowed list intentionally if adding a new backend):\nfile=%s:%d\n%s", filepath.Base(file), line, unexpected)
	}
}

// TestBlobStoreImplementationsHardening keeps artifact storage backends inside
// the blob package; everything else must go through the blob.Store interface.
func TestBlobStoreImplementationsHardening(t *testing.T) {
	pkgs := loadModulePackages(t)
	iface := lookupInterface(t, pkgs, "palletcore/internal/blob", "Store")

	allowed := map[string]struct{}{
		"palletcore/internal/blob":   {},
		"palletcore/internal/export": {}, // failing-store double in tests
	}
	if unexpected := findImplementations(pkgs, iface, allowed); len(unexpected) > 0 {
		_, file, line, _ := runtime.Caller(0)
		t.Fatalf("unexpected blob.Store implementations (update allowed list intentionally if adding a new backend):\nfile=%s:%d\n%s", filepath.Base(file), line, unexpected)
	}
}
