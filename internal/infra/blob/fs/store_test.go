package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spacesync/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func read(t *testing.T, s *Store, key string) (core.Object, string) {
	t.Helper()
	obj, rc, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("open %s: %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return obj, string(b)
}

func TestWriteOpenStatRemove(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	key := "space-v1/files/static/sha256/ab/cdef"

	obj, err := store.Write(ctx, key, strings.NewReader("hello"), core.WriteOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if obj.Key != key || obj.Size != 5 {
		t.Fatalf("unexpected object %+v", obj)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), filepath.FromSlash(key))); err != nil {
		t.Fatalf("blob must be a plain file under root: %v", err)
	}
	got, body := read(t, store, key)
	if body != "hello" || got.ContentType != "text/plain" {
		t.Fatalf("open returned %q %+v", body, got)
	}
	st, err := store.Stat(ctx, key)
	if err != nil || st != got {
		t.Fatalf("stat %+v %v, want %+v", st, err, got)
	}
	if ok, err := store.Remove(ctx, key); err != nil || !ok {
		t.Fatalf("remove: %v %v", ok, err)
	}
	if ok, err := store.Remove(ctx, key); err != nil || ok {
		t.Fatalf("second remove: %v %v", ok, err)
	}
	if _, err := store.Stat(ctx, key); !errors.Is(err, iofs.ErrNotExist) {
		t.Fatalf("expected not-exist after remove, got %v", err)
	}
}

func TestCreateOnlyWriteKeepsFirstBytes(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Write(ctx, "k", strings.NewReader("first"), core.WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Write(ctx, "k", strings.NewReader("second"), core.WriteOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, body := read(t, store, "k"); body != "first" {
		t.Fatalf("body %q, want first", body)
	}
	if _, err := store.Write(ctx, "k", strings.NewReader("third"), core.WriteOptions{Replace: true}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	obj, body := read(t, store, "k")
	if body != "third" || obj.ContentType != "" {
		t.Fatalf("after replace %q %+v", body, obj)
	}
}

func TestConcurrentCreateOnlyWritesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Write(ctx, "race", bytes.NewReader([]byte("same")), core.WriteOptions{})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrExists) {
				t.Errorf("write: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestKeysSkipsSidecarsAndFiltersPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, k := range []string{"a/2", "a/1", "b/1"} {
		if _, err := store.Write(ctx, k, strings.NewReader(k), core.WriteOptions{ContentType: "text/plain"}); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}
	keys, err := store.Keys(ctx, "a/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if strings.Join(keys, ",") != "a/1,a/2" {
		t.Fatalf("keys = %v", keys)
	}
	all, _ := store.Keys(ctx, "")
	if len(all) != 3 {
		t.Fatalf("all keys = %v", all)
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", " ", ".", "/abs", "../up", "a/../../up", "x" + typeSuffix, "dir/" + tempPrefix + "1"} {
		if _, err := store.Write(ctx, key, strings.NewReader("x"), core.WriteOptions{}); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Root() != "./spacedata" || store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected store %+v", store)
	}
	if _, err := os.Stat("spacedata"); err != nil {
		t.Fatalf("root not created: %v", err)
	}
}
