// Package filestore stores file attachments for a space: immutable blobs
// addressed by their SHA-256 digest and mutable blobs addressed by UUID, both
// written through a pluggable blob.Store.
package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"spacesync/internal/blob"
	"spacesync/pkg/domain"
)

// Provider supplies the filesystem a space's files live on.
type Provider interface {
	SpaceRootPath() string
	FS() blob.Store
}

type staticProvider struct {
	root string
	fs   blob.Store
}

func (p staticProvider) SpaceRootPath() string { return p.root }
func (p staticProvider) FS() blob.Store         { return p.fs }

// NewProvider pairs a blob store with the space root inside it.
func NewProvider(root string, fs blob.Store) Provider {
	return staticProvider{root: root, fs: fs}
}

// PutResult is returned by the immutable put calls.
type PutResult struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// MutableCopy is returned by CreateMutableCopyFromHash.
type MutableCopy struct {
	UUID string `json:"uuid"`
	Size int64  `json:"size"`
}

type cached struct {
	data        []byte
	contentType string
}

// Store is the file store of one space.
type Store struct {
	fs     blob.Store
	root   string
	cache  *lru.Cache[string, cached]
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache and write diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCacheSize bounds the number of immutable blobs kept in memory. Zero
// disables the cache.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n <= 0 {
			s.cache = nil
			return
		}
		s.cache, _ = lru.New[string, cached](n)
	}
}

const defaultCacheSize = 128

// New returns a Store rooted at p.SpaceRootPath() on p.FS().
func New(p Provider, opts ...Option) (*Store, error) {
	if p == nil || p.FS() == nil {
		return nil, domain.ErrMissingStorageProvider
	}
	s := &Store{
		fs:     p.FS(),
		root:   strings.Trim(p.SpaceRootPath(), "/"),
		logger: zap.NewNop(),
	}
	s.cache, _ = lru.New[string, cached](defaultCacheSize)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PutBytes stores b under its SHA-256 digest. Storing content that already
// exists performs no write.
func (s *Store) PutBytes(ctx context.Context, b []byte) (PutResult, error) {
	return s.put(ctx, b, "")
}

// PutDataURL decodes a data URL and stores its payload; the declared mime type
// becomes the blob's content type.
func (s *Store) PutDataURL(ctx context.Context, dataURL string) (PutResult, error) {
	mime, data, err := parseDataURL(dataURL)
	if err != nil {
		return PutResult{}, err
	}
	return s.put(ctx, data, mime)
}

func (s *Store) put(ctx context.Context, b []byte, contentType string) (PutResult, error) {
	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:])
	res := PutResult{Hash: hash, Size: int64(len(b))}
	key, err := s.staticKey(hash)
	if err != nil {
		return PutResult{}, err
	}
	exists, err := s.has(ctx, key)
	if err != nil {
		return PutResult{}, err
	}
	if exists {
		return res, nil
	}
	_, err = s.fs.Write(ctx, key, bytes.NewReader(b), blob.WriteOptions{ContentType: contentType})
	if err != nil && !errors.Is(err, blob.ErrExists) {
		return PutResult{}, fmt.Errorf("put %s: %w", hash, err)
	}
	s.logger.Debug("stored blob", zap.String("hash", hash), zap.Int64("size", res.Size))
	return res, nil
}

func (s *Store) has(ctx context.Context, key string) (bool, error) {
	if _, err := s.fs.Stat(ctx, key); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists reports whether an immutable blob with hash is stored.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := s.staticKey(hash)
	if err != nil {
		return false, err
	}
	if s.cache != nil && s.cache.Contains(hash) {
		return true, nil
	}
	return s.has(ctx, key)
}

// GetBytes returns the content stored under hash. A missing blob returns the
// driver's not-exist error.
func (s *Store) GetBytes(ctx context.Context, hash string) ([]byte, error) {
	c, err := s.getStatic(ctx, hash)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(c.data), nil
}

func (s *Store) getStatic(ctx context.Context, hash string) (cached, error) {
	key, err := s.staticKey(hash)
	if err != nil {
		return cached{}, err
	}
	if s.cache != nil {
		if c, ok := s.cache.Get(hash); ok {
			return c, nil
		}
	}
	obj, data, err := s.read(ctx, key)
	if err != nil {
		return cached{}, err
	}
	c := cached{data: data, contentType: obj.ContentType}
	if s.cache != nil {
		// callers get copies; the cached slice is never handed out
		s.cache.Add(hash, cached{data: bytes.Clone(data), contentType: obj.ContentType})
	}
	return c, nil
}

// GetDataURL returns the blob as a base64 data URL. An empty mime falls back to
// the stored content type, then application/octet-stream.
func (s *Store) GetDataURL(ctx context.Context, hash, mime string) (string, error) {
	c, err := s.getStatic(ctx, hash)
	if err != nil {
		return "", err
	}
	if mime == "" {
		mime = c.contentType
	}
	if mime == "" {
		mime = defaultMIME
	}
	return encodeDataURL(mime, c.data), nil
}

// Hashes lists the content hashes of every immutable blob in the space, in
// ascending order.
func (s *Store) Hashes(ctx context.Context) ([]string, error) {
	prefix := path.Join(s.root, layoutVersion, staticDir) + "/"
	keys, err := s.fs.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	hashes := make([]string, 0, len(keys))
	for _, k := range keys {
		h := strings.ReplaceAll(strings.TrimPrefix(k, prefix), "/", "")
		if isHash(h) {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// Delete validates hash and keeps the blob: several references may share one
// content hash and there is no reference counting.
func (s *Store) Delete(_ context.Context, hash string) error {
	_, err := s.staticKey(hash)
	return err
}

// PutMutable writes b under id, replacing any previous content. id must be a
// UUID; content hashes are rejected.
func (s *Store) PutMutable(ctx context.Context, id string, b []byte) error {
	key, err := s.varKey(id)
	if err != nil {
		return err
	}
	if _, err := s.fs.Write(ctx, key, bytes.NewReader(b), blob.WriteOptions{Replace: true}); err != nil {
		return fmt.Errorf("put mutable %s: %w", id, err)
	}
	return nil
}

// GetMutable returns the content stored under id.
func (s *Store) GetMutable(ctx context.Context, id string) ([]byte, error) {
	key, err := s.varKey(id)
	if err != nil {
		return nil, err
	}
	_, data, err := s.read(ctx, key)
	return data, err
}

// ExistsMutable reports whether id has stored content.
func (s *Store) ExistsMutable(ctx context.Context, id string) (bool, error) {
	key, err := s.varKey(id)
	if err != nil {
		return false, err
	}
	return s.has(ctx, key)
}

// DeleteMutable removes id's content. Deleting a missing entry is not an error.
func (s *Store) DeleteMutable(ctx context.Context, id string) error {
	key, err := s.varKey(id)
	if err != nil {
		return err
	}
	_, err = s.fs.Remove(ctx, key)
	return err
}

// CreateMutableCopyFromHash copies an immutable blob into the mutable
// namespace. An empty id allocates a new UUID.
func (s *Store) CreateMutableCopyFromHash(ctx context.Context, hash, id string) (MutableCopy, error) {
	if err := validateHash(hash); err != nil {
		return MutableCopy{}, err
	}
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := s.varKey(id); err != nil {
		return MutableCopy{}, err
	}
	ok, err := s.Exists(ctx, hash)
	if err != nil {
		return MutableCopy{}, err
	}
	if !ok {
		return MutableCopy{}, fmt.Errorf("source blob %s does not exist: %w", hash, iofs.ErrNotExist)
	}
	data, err := s.GetBytes(ctx, hash)
	if err != nil {
		return MutableCopy{}, err
	}
	if err := s.PutMutable(ctx, id, data); err != nil {
		return MutableCopy{}, err
	}
	return MutableCopy{UUID: id, Size: int64(len(data))}, nil
}

func (s *Store) read(ctx context.Context, key string) (blob.Object, []byte, error) {
	obj, rc, err := s.fs.Open(ctx, key)
	if err != nil {
		return blob.Object{}, nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return blob.Object{}, nil, err
	}
	return obj, data, nil
}
