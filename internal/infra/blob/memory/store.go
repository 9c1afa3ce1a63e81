// Package memory keeps blobs in process memory, for tests and throwaway spaces.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"slices"
	"strings"
	"sync"

	"spacesync/internal/blob/core"
)

type entry struct {
	data        []byte
	contentType string
}

// Store is a mutex-guarded map of keys to bytes.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	writes  int
}

func New() *Store { return &Store{entries: make(map[string]entry)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Writes counts the writes that stored bytes.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Store) Write(_ context.Context, key string, r io.Reader, opts core.WriteOptions) (core.Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Object{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.entries[key]; taken && !opts.Replace {
		return core.Object{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
	}
	s.entries[key] = entry{data: data, contentType: opts.ContentType}
	s.writes++
	return core.Object{Key: key, Size: int64(len(data)), ContentType: opts.ContentType}, nil
}

func (s *Store) lookup(key string) (entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return entry{}, &iofs.PathError{Op: "open", Path: key, Err: iofs.ErrNotExist}
	}
	return e, nil
}

func (s *Store) Open(_ context.Context, key string) (core.Object, io.ReadCloser, error) {
	e, err := s.lookup(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	// stored slices are never mutated, so readers can share them
	return object(key, e), io.NopCloser(bytes.NewReader(e.data)), nil
}

func (s *Store) Stat(_ context.Context, key string) (core.Object, error) {
	e, err := s.lookup(key)
	if err != nil {
		return core.Object{}, err
	}
	return object(key, e), nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

func object(key string, e entry) core.Object {
	return core.Object{Key: key, Size: int64(len(e.data)), ContentType: e.contentType}
}
