package refdata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"palletcore/pkg/domain"
)

// Locator resolves which file the reference dataset should be loaded from.
// Resolution order: an explicitly configured path, then a pointer file whose
// first line names the dataset, then the newest file matching a pattern in
// the search directory.
type Locator struct {
	// ExplicitPath, when set, is used as-is.
	ExplicitPath string
	// PointerPath names a small text file whose first non-empty line is the
	// dataset path. Relative entries resolve against the pointer file's
	// directory.
	PointerPath string
	// SearchDir and SearchPattern select the newest matching file as a
	// fallback, for sources dropped into a shared folder with dated names.
	SearchDir     string
	SearchPattern string
}

// Resolve returns the dataset path, or KindSourceUnavailable when no
// candidate exists.
func (l Locator) Resolve() (string, error) {
	if l.ExplicitPath != "" {
		if _, err := os.Stat(l.ExplicitPath); err != nil {
			return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: l.ExplicitPath, Err: err}
		}
		return l.ExplicitPath, nil
	}
	if l.PointerPath != "" {
		path, err := l.resolvePointer()
		if err == nil {
			return path, nil
		}
		if l.SearchDir == "" {
			return "", err
		}
	}
	if l.SearchDir != "" {
		return l.resolveNewest()
	}
	return "", &domain.Error{Kind: domain.KindSourceUnavailable, Detail: "no reference source configured"}
}

func (l Locator) resolvePointer() (string, error) {
	data, err := os.ReadFile(l.PointerPath)
	if err != nil {
		return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: l.PointerPath, Err: err}
	}
	for _, line := range strings.Split(string(data), "\n") {
		target := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if target == "" || strings.HasPrefix(target, "#") {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(l.PointerPath), target)
		}
		if _, err := os.Stat(target); err != nil {
			return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: target, Err: err}
		}
		return target, nil
	}
	return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: l.PointerPath, Detail: "pointer file is empty"}
}

func (l Locator) resolveNewest() (string, error) {
	pattern := l.SearchPattern
	if pattern == "" {
		pattern = "*.xlsx"
	}
	matches, err := filepath.Glob(filepath.Join(l.SearchDir, pattern))
	if err != nil {
		return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: l.SearchDir, Err: fmt.Errorf("bad search pattern %q: %w", pattern, err)}
	}
	newest := ""
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = m, mod
		}
	}
	if newest == "" {
		return "", &domain.Error{Kind: domain.KindSourceUnavailable, Path: l.SearchDir, Detail: fmt.Sprintf("no file matches %q", pattern)}
	}
	return newest, nil
}
