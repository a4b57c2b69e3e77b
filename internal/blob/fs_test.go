package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTempFS(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store
}

func TestFSStorePutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempFS(t)
	info, err := store.Put(ctx, "6-Jan-26/PLT_001.xlsx", bytes.NewReader([]byte("hello")), PutOptions{ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Metadata: map[string]string{"batch": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "6-Jan-26/PLT_001.xlsx" || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	h, err := store.Head(ctx, "6-Jan-26/PLT_001.xlsx")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	g, rc, err := store.Get(ctx, "6-Jan-26/PLT_001.xlsx")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag {
		t.Fatalf("unexpected get result %+v vs %+v", g, h)
	}
	list, err := store.List(ctx, "6-Jan-26/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "6-Jan-26/PLT_001.xlsx" {
		t.Fatalf("unexpected list %+v", list)
	}
	url, err := store.PresignURL(ctx, "6-Jan-26/PLT_001.xlsx", SignedURLOptions{})
	if err != nil || url == "" {
		t.Fatalf("presign url: %v %s", err, url)
	}
	ok, err := store.Delete(ctx, "6-Jan-26/PLT_001.xlsx")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "6-Jan-26/PLT_001.xlsx")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
}

func TestFSStoreCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := newTempFS(t)
	if _, err := store.Put(ctx, "k1.xlsx", bytes.NewReader([]byte("v1")), PutOptions{CreateOnly: true}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	_, err := store.Put(ctx, "k1.xlsx", bytes.NewReader([]byte("v2")), PutOptions{CreateOnly: true})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	// Without the flag the write replaces the payload.
	if _, err := store.Put(ctx, "k1.xlsx", bytes.NewReader([]byte("v3")), PutOptions{}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, rc, err := store.Get(ctx, "k1.xlsx")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "v3" {
		t.Fatalf("expected overwritten payload, got %q", b)
	}
}

func TestFSStorePathTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTempFS(t)
	if _, err := store.Put(ctx, "../escape.xlsx", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected traversal error")
	}
	if _, err := store.Put(ctx, "/abs.xlsx", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected absolute error")
	}
}

func TestFSStoreHandlesMissingSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempFS(t)
	// An artifact copied in by hand has no sidecar.
	path := filepath.Join(store.Root(), "7-Jan-26", "manual.xlsx")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("manual"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := store.Head(ctx, "7-Jan-26/manual.xlsx")
	if err != nil {
		t.Fatalf("head without sidecar: %v", err)
	}
	if info.Size != 6 {
		t.Fatalf("unexpected size %d", info.Size)
	}
	_, rc, err := store.Get(ctx, "7-Jan-26/manual.xlsx")
	if err != nil {
		t.Fatalf("get without sidecar: %v", err)
	}
	_ = rc.Close()
	list, err := store.List(ctx, "7-Jan-26/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestFSStorePutCopyError(t *testing.T) {
	store := newTempFS(t)
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	// Failed writes must not leave temp debris behind for List to trip on.
	list, err := store.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty store, got %+v", list)
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	cases := []string{"", "  ", "../escape", "/abs", "a/../b"}
	for _, c := range cases {
		if _, err := sanitizeKey(c); err == nil {
			t.Fatalf("expected error for key %q", c)
		}
	}
}

func TestFSStorePresignRejectsPut(t *testing.T) {
	store := newTempFS(t)
	if _, err := store.PresignURL(context.Background(), "some", SignedURLOptions{Method: "PUT"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestFSStoreListOrdered(t *testing.T) {
	ctx := context.Background()
	store := newTempFS(t)
	for _, key := range []string{"b/2.csv", "a/1.csv", "a/0.csv"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Key > list[i].Key {
			t.Fatalf("expected sorted order: %+v", list)
		}
	}
}

func TestCloneMetadata(t *testing.T) {
	if cloneMetadata(nil) != nil {
		t.Fatalf("expected nil pass-through")
	}
	src := map[string]string{"a": "1"}
	cp := cloneMetadata(src)
	src["a"] = "2"
	if cp["a"] != "1" {
		t.Fatalf("expected copy isolation")
	}
}

func TestNewFSRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := NewFS(filePath); err == nil {
		t.Fatalf("expected error when root is a file")
	}
}
