// Package fsops stores a space's operation log as JSON lines on the local
// filesystem. Every layer instance appends to its own file per document, so
// several processes can share a directory (for example a synced folder) and
// pick up each other's writes through fsnotify.
package fsops

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"spacesync/pkg/domain"
)

const (
	layoutVersion = "space-v1"
	opsDir        = "ops"
	spaceFile     = "space.json"
	secretsFile   = "secrets.json"
	logExt        = ".jsonl"
)

var _ domain.PersistenceLayer = (*Layer)(nil)

// Layer is a filesystem op-log layer rooted at one space directory.
type Layer struct {
	domain.BaseLayer

	id     string
	root   string
	writer string

	mu sync.Mutex
}

// New returns a layer storing under root/space-v1.
func New(id, root string) *Layer {
	return &Layer{id: id, root: filepath.Join(root, layoutVersion), writer: uuid.NewString()}
}

func (l *Layer) ID() string { return l.id }

func (l *Layer) Capabilities() domain.Capabilities {
	return domain.Capabilities{SpaceID: true, Listen: true, Secrets: true}
}

// Connect creates the directory layout.
func (l *Layer) Connect(context.Context) error {
	return os.MkdirAll(filepath.Join(l.root, opsDir), 0o750)
}

func (l *Layer) treeDir(treeID string) (string, error) {
	if len(treeID) < 2 || strings.ContainsAny(treeID, `/\.`) {
		return "", fmt.Errorf("invalid tree id %q", treeID)
	}
	return filepath.Join(l.root, opsDir, treeID[:2], treeID), nil
}

type spaceMeta struct {
	ID string `json:"id"`
}

func (l *Layer) SpaceID(context.Context) (string, error) {
	b, err := os.ReadFile(filepath.Join(l.root, spaceFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", domain.ErrSpaceNotFound
	}
	if err != nil {
		return "", err
	}
	var meta spaceMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return "", fmt.Errorf("decode %s: %w", spaceFile, err)
	}
	if meta.ID == "" {
		return "", domain.ErrSpaceNotFound
	}
	return meta.ID, nil
}

// LoadTreeOps reads every writer's log for treeID.
func (l *Layer) LoadTreeOps(_ context.Context, treeID string) ([]domain.Operation, error) {
	dir, err := l.treeDir(treeID)
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*"+logExt))
	if err != nil {
		return nil, err
	}
	seen := make(map[domain.OperationID]domain.Operation)
	for _, file := range files {
		ops, _, err := readLog(file, 0)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			seen[op.ID] = op
		}
	}
	out := make([]domain.Operation, 0, len(seen))
	for _, op := range seen {
		out = append(out, op)
	}
	domain.SortOperations(out)
	return out, nil
}

// readLog decodes complete lines from offset and returns the offset after the
// last complete line. A trailing partial line is left for the next read.
func readLog(path string, offset int64) ([]domain.Operation, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	var ops []domain.Operation
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return ops, offset, nil
		}
		if err != nil {
			return nil, offset, err
		}
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var op domain.Operation
		if err := json.Unmarshal(line, &op); err != nil {
			return nil, offset, fmt.Errorf("decode %s: %w", path, err)
		}
		ops = append(ops, op)
	}
}

// SaveTreeOps appends ops to this writer's log for treeID. The first
// document saved with its creation op becomes the space id.
func (l *Layer) SaveTreeOps(_ context.Context, treeID string, ops []domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	dir, err := l.treeDir(treeID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return fmt.Errorf("encode op %s: %w", op.ID, err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, l.writer+logExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if domain.CreatesTree(treeID, ops) {
		return l.claimSpaceID(treeID)
	}
	return nil
}

func (l *Layer) claimSpaceID(id string) error {
	f, err := os.OpenFile(filepath.Join(l.root, spaceFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(spaceMeta{ID: id}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (l *Layer) LoadSecrets(context.Context) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readSecrets()
}

func (l *Layer) readSecrets() (map[string]string, error) {
	out := make(map[string]string)
	b, err := os.ReadFile(filepath.Join(l.root, secretsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", secretsFile, err)
	}
	return out, nil
}

// SaveSecrets merges secrets into secrets.json, replacing it atomically.
func (l *Layer) SaveSecrets(_ context.Context, secrets map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.readSecrets()
	if err != nil {
		return err
	}
	maps.Copy(current, secrets)
	b, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.root, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(l.root, secretsFile+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(l.root, secretsFile))
}
