package fsops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spacesync/pkg/domain"
)

func op(counter uint64, author, target, key string, value any) domain.Operation {
	return domain.Operation{ID: domain.OperationID{Counter: counter, AuthorID: author}, TargetID: target, Key: key, Value: value}
}

func TestSaveLoadAcrossWriters(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, b := New("fs-a", root), New("fs-b", root)
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.SpaceID(ctx); !errors.Is(err, domain.ErrSpaceNotFound) {
		t.Fatalf("expected ErrSpaceNotFound, got %v", err)
	}
	rootOps := []domain.Operation{op(1, "p", "space-1", domain.RootKey, "t")}
	if err := a.SaveTreeOps(ctx, "space-1", rootOps); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.SaveTreeOps(ctx, "space-1", []domain.Operation{op(1, "p", "space-1", domain.RootKey, "t"), op(2, "q", "n", "k", "v")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := a.LoadTreeOps(ctx, "space-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected ops deduplicated across writers, got %+v", got)
	}
	id, err := b.SpaceID(ctx)
	if err != nil || id != "space-1" {
		t.Fatalf("space id = %q, %v", id, err)
	}
	if _, err := os.Stat(filepath.Join(root, layoutVersion, opsDir, "sp", "space-1")); err != nil {
		t.Fatalf("expected sharded tree dir: %v", err)
	}
	if err := a.SaveTreeOps(ctx, "../x", rootOps); err == nil {
		t.Fatalf("expected invalid tree id error")
	}
}

func TestPartialLineIsDeferred(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w"+logExt)
	if err := os.WriteFile(path, []byte(`{"id":{"counter":1,"author_id":"a"},"target_id":"n","key":"k","value":"v"}`+"\n"+`{"id":`), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	ops, next, err := readLog(path, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ops) != 1 || ops[0].Value != "v" {
		t.Fatalf("unexpected ops %+v", ops)
	}
	more, again, err := readLog(path, next)
	if err != nil || len(more) != 0 || again != next {
		t.Fatalf("partial line consumed: %+v %d %v", more, again, err)
	}
}

func TestSecretsMerge(t *testing.T) {
	ctx := context.Background()
	l := New("fs", t.TempDir())
	s, err := l.LoadSecrets(ctx)
	if err != nil || len(s) != 0 {
		t.Fatalf("initial secrets = %v, %v", s, err)
	}
	_ = l.SaveSecrets(ctx, map[string]string{"a": "1"})
	_ = l.SaveSecrets(ctx, map[string]string{"b": "2", "a": "3"})
	s, err = l.LoadSecrets(ctx)
	if err != nil || s["a"] != "3" || s["b"] != "2" {
		t.Fatalf("secrets = %v, %v", s, err)
	}
}

func TestListenDeliversForeignWrites(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := New("fs-a", root), New("fs-b", root)
	_ = a.Connect(ctx)

	var (
		mu  sync.Mutex
		got = map[string][]domain.Operation{}
	)
	if err := a.StartListening(ctx, func(treeID string, ops []domain.Operation) {
		mu.Lock()
		got[treeID] = append(got[treeID], ops...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := a.SaveTreeOps(ctx, "tree-1", []domain.Operation{op(1, "own", "n", "k", "mine")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.SaveTreeOps(ctx, "tree-1", []domain.Operation{op(2, "other", "n", "k", "theirs")}); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		ops := append([]domain.Operation(nil), got["tree-1"]...)
		mu.Unlock()
		if len(ops) > 0 {
			for _, o := range ops {
				if o.ID.AuthorID == "own" {
					t.Fatalf("own writes must not be pushed back: %+v", ops)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no ops delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
