// Package fs stores file store blobs as plain files below a root directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"spacesync/internal/blob/core"
)

const (
	// typeSuffix marks the sidecar holding a blob's content type.
	typeSuffix = ".type"
	tempPrefix = ".incoming-"
)

// Store writes each key to root/<key>. A write lands in a temp file first and
// is then linked (create-only) or renamed (replace) into place, so a reader
// sees either nothing or the complete file.
type Store struct {
	root string
}

// New creates root when missing. An empty root means ./spacedata.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./spacedata"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func (s *Store) Root() string { return s.root }

// path maps key below root and rejects keys that could leave it or collide
// with the store's own files.
func (s *Store) path(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(key))
	switch {
	case strings.TrimSpace(key) == "", clean == ".":
		return "", errors.New("blob key is empty")
	case strings.HasPrefix(key, "/"), clean == "..", strings.HasPrefix(clean, "../"), strings.Contains(key, "/../"):
		return "", fmt.Errorf("blob key %q escapes the store root", key)
	case strings.HasSuffix(clean, typeSuffix), strings.HasPrefix(filepath.Base(clean), tempPrefix):
		return "", fmt.Errorf("blob key %q uses a reserved name", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) Write(_ context.Context, key string, r io.Reader, opts core.WriteOptions) (core.Object, error) {
	dst, err := s.path(key)
	if err != nil {
		return core.Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return core.Object{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return core.Object{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	size, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.Object{}, fmt.Errorf("write blob %s: %w", key, err)
	}

	if opts.Replace {
		err = os.Rename(tmp.Name(), dst)
	} else {
		err = os.Link(tmp.Name(), dst)
		if errors.Is(err, iofs.ErrExist) {
			return core.Object{}, fmt.Errorf("blob %s: %w", key, core.ErrExists)
		}
	}
	if err != nil {
		return core.Object{}, fmt.Errorf("place blob %s: %w", key, err)
	}
	if err := s.writeType(dst, opts.ContentType); err != nil {
		return core.Object{}, err
	}
	return core.Object{Key: key, Size: size, ContentType: opts.ContentType}, nil
}

func (s *Store) writeType(dst, contentType string) error {
	if contentType == "" {
		if err := os.Remove(dst + typeSuffix); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(dst+typeSuffix, []byte(contentType), 0o640)
}

func (s *Store) Open(_ context.Context, key string) (core.Object, io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return core.Object{}, nil, err
	}
	obj, err := s.describe(key, p, f.Stat)
	if err != nil {
		_ = f.Close()
		return core.Object{}, nil, err
	}
	return obj, f, nil
}

func (s *Store) Stat(_ context.Context, key string) (core.Object, error) {
	p, err := s.path(key)
	if err != nil {
		return core.Object{}, err
	}
	return s.describe(key, p, func() (os.FileInfo, error) { return os.Stat(p) })
}

func (s *Store) describe(key, p string, stat func() (os.FileInfo, error)) (core.Object, error) {
	fi, err := stat()
	if err != nil {
		return core.Object{}, err
	}
	if fi.IsDir() {
		return core.Object{}, &iofs.PathError{Op: "stat", Path: key, Err: iofs.ErrNotExist}
	}
	obj := core.Object{Key: key, Size: fi.Size()}
	if ct, err := os.ReadFile(p + typeSuffix); err == nil {
		obj.ContentType = string(ct)
	}
	return obj, nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(p + typeSuffix)
	return true, nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, typeSuffix) || strings.HasPrefix(name, tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
