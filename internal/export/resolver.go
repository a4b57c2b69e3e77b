package export

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"palletcore/internal/blob"
)

// datedFolderRe matches the per-day folder names Export produces, e.g.
// "6-Jan-26". Month case is relaxed for folders created by hand.
var datedFolderRe = regexp.MustCompile(`^\d{1,2}-[A-Za-z]{3}-\d{2}$`)

// Location is a resolved artifact. Exactly one field is set: Key when the
// artifact lives inside the blob store, Path when it is an absolute
// filesystem path outside the store root.
type Location struct {
	Key  string
	Path string
}

// Found reports whether the artifact was located.
func (l Location) Found() bool { return l.Key != "" || l.Path != "" }

// Resolver locates artifacts from the paths history records carry. Records
// written by older installs or moved roots may hold absolute paths, paths
// relative to a different root, or just a file name.
type Resolver struct {
	store blob.Store
}

// NewResolver returns a resolver over the given blob store.
func NewResolver(store blob.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve locates the artifact a record points at. It probes, in order: the
// stored path as a key under the current root (stripping the root prefix
// from absolute paths first), the stored path as an absolute filesystem
// location, and finally a search for the bare file name across the dated
// folders. An artifact that cannot be located yields a zero Location and no
// error; errors are reserved for probe failures that leave the answer
// unknown.
func (r *Resolver) Resolve(ctx context.Context, stored string) (Location, error) {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return Location{}, nil
	}
	// Documents written on Windows carry backslash separators; artifact
	// names themselves never contain one.
	norm := filepath.ToSlash(strings.ReplaceAll(stored, `\`, "/"))

	if filepath.IsAbs(stored) {
		if root, ok := storeRoot(r.store); ok {
			if rel, under := underRoot(root, stored); under {
				loc, err := r.headKey(ctx, rel)
				if err != nil || loc.Found() {
					return loc, err
				}
			}
			// An absolute path outside the root can still be checked
			// directly when artifacts live on the local filesystem.
			if st, err := os.Stat(stored); err == nil && st.Mode().IsRegular() {
				return Location{Path: stored}, nil
			}
		}
	} else {
		key := strings.TrimPrefix(norm, "./")
		loc, err := r.headKey(ctx, key)
		if err != nil || loc.Found() {
			return loc, err
		}
	}

	return r.searchDatedFolders(ctx, path.Base(norm))
}

// Remove deletes a resolved artifact. Callers treat failures as advisory:
// history deletion proceeds regardless.
func (r *Resolver) Remove(ctx context.Context, loc Location) error {
	switch {
	case loc.Key != "":
		_, err := r.store.Delete(ctx, loc.Key)
		return err
	case loc.Path != "":
		return os.Remove(loc.Path)
	default:
		return nil
	}
}

func (r *Resolver) headKey(ctx context.Context, key string) (Location, error) {
	if key == "" {
		return Location{}, nil
	}
	_, err := r.store.Head(ctx, key)
	if err == nil {
		return Location{Key: key}, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Location{}, nil
	}
	// Malformed keys (traversal in a hand-edited document) are a plain
	// miss, not a probe failure.
	if strings.Contains(key, "..") {
		return Location{}, nil
	}
	return Location{}, err
}

// searchDatedFolders looks for base as a file name inside any folder matching
// the dated layout. Keys come back sorted, so the match is deterministic.
func (r *Resolver) searchDatedFolders(ctx context.Context, base string) (Location, error) {
	if base == "" || base == "." || base == "/" {
		return Location{}, nil
	}
	infos, err := r.store.List(ctx, "")
	if err != nil {
		return Location{}, err
	}
	for _, info := range infos {
		dir, name := path.Split(info.Key)
		if name != base {
			continue
		}
		if !datedFolderRe.MatchString(path.Base(strings.TrimSuffix(dir, "/"))) {
			continue
		}
		return Location{Key: info.Key}, nil
	}
	return Location{}, nil
}

// storeRoot reports the local directory backing the store, when it has one.
func storeRoot(s blob.Store) (string, bool) {
	type rooted interface{ Root() string }
	if r, ok := s.(rooted); ok {
		return r.Root(), true
	}
	return "", false
}

// underRoot reports the store key for an absolute path inside root.
func underRoot(root, abs string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// recordedPath renders the location stored in history for a published key:
// an absolute path for filesystem-backed stores, the key itself otherwise.
func recordedPath(s blob.Store, key string) string {
	root, ok := storeRoot(s)
	if !ok {
		return key
	}
	p := filepath.Join(root, filepath.FromSlash(key))
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
