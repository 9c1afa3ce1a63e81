// Package natskv is a remote persistence layer on a NATS JetStream key-value
// bucket. Each op is one key, so concurrent writers never conflict, and KV
// watches provide the push channel.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"spacesync/pkg/domain"
)

const (
	opsPrefix     = "ops."
	secretsPrefix = "secrets."
	spaceIDKey    = "meta.space_id"
)

var _ domain.PersistenceLayer = (*Layer)(nil)

// Config selects the server and bucket.
type Config struct {
	URL    string
	Bucket string
	// Replicas of the bucket stream; defaults to 1.
	Replicas int
}

// Layer stores one space per bucket.
type Layer struct {
	domain.BaseLayer

	id     string
	cfg    Config
	logger *zap.Logger

	mu sync.RWMutex // guards nc and kv
	nc *nats.Conn
	kv nats.KeyValue
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger used for dropped watch entries.
func WithLogger(l *zap.Logger) Option {
	return func(layer *Layer) {
		if l != nil {
			layer.logger = l
		}
	}
}

// New returns an unconnected layer.
func New(id string, cfg Config, opts ...Option) *Layer {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	l := &Layer{id: id, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) ID() string { return l.id }

func (l *Layer) Capabilities() domain.Capabilities {
	return domain.Capabilities{SpaceID: true, Listen: true, Secrets: true}
}

// Connect dials NATS and binds (or creates) the bucket.
func (l *Layer) Connect(context.Context) error {
	if l.cfg.Bucket == "" {
		return errors.New("natskv: bucket required")
	}
	nc, err := nats.Connect(l.cfg.URL,
		nats.Name("spacesync-"+l.id),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", l.cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(l.cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: l.cfg.Bucket, Replicas: l.cfg.Replicas})
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("bind bucket %s: %w", l.cfg.Bucket, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nc != nil {
		// lost a race with another Connect; keep the first connection
		nc.Close()
		return nil
	}
	l.nc, l.kv = nc, kv
	return nil
}

// Disconnect drains the connection. Calls already holding the bucket finish
// against the draining connection; later calls fail as not connected.
func (l *Layer) Disconnect(context.Context) error {
	l.mu.Lock()
	nc := l.nc
	l.nc, l.kv = nil, nil
	l.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

func (l *Layer) bucket() (nats.KeyValue, error) {
	l.mu.RLock()
	kv := l.kv
	l.mu.RUnlock()
	if kv == nil {
		return nil, errors.New("natskv: not connected")
	}
	return kv, nil
}

// opKey encodes an op id into a KV-safe key under its tree.
func opKey(treeID string, id domain.OperationID) string {
	return opsPrefix + encode(treeID) + "." + strconv.FormatUint(id.Counter, 10) + "-" + encode(id.AuthorID)
}

func treePattern(treeID string) string { return opsPrefix + encode(treeID) + ".>" }

// treeFromKey returns the tree id of an op key.
func treeFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, opsPrefix)
	if !ok {
		return "", false
	}
	enc, _, ok := strings.Cut(rest, ".")
	if !ok {
		return "", false
	}
	tree, err := decode(enc)
	return tree, err == nil
}

func encode(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func decode(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

func (l *Layer) SpaceID(context.Context) (string, error) {
	kv, err := l.bucket()
	if err != nil {
		return "", err
	}
	entry, err := kv.Get(spaceIDKey)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", domain.ErrSpaceNotFound
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

// LoadTreeOps replays every op key of treeID.
func (l *Layer) LoadTreeOps(ctx context.Context, treeID string) ([]domain.Operation, error) {
	kv, err := l.bucket()
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(treePattern(treeID), nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", treeID, err)
	}
	defer func() { _ = w.Stop() }()
	var out []domain.Operation
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, errors.New("natskv: watcher closed")
			}
			if entry == nil {
				domain.SortOperations(out)
				return out, nil
			}
			var op domain.Operation
			if err := json.Unmarshal(entry.Value(), &op); err != nil {
				return nil, fmt.Errorf("decode %s: %w", entry.Key(), err)
			}
			out = append(out, op)
		}
	}
}

// SaveTreeOps writes one key per op. Ops are immutable, so rewriting an
// existing key is harmless.
func (l *Layer) SaveTreeOps(ctx context.Context, treeID string, ops []domain.Operation) error {
	kv, err := l.bucket()
	if err != nil {
		return err
	}
	for _, op := range ops {
		b, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode op %s: %w", op.ID, err)
		}
		if _, err := kv.Put(opKey(treeID, op.ID), b); err != nil {
			return fmt.Errorf("put op %s: %w", op.ID, err)
		}
	}
	if domain.CreatesTree(treeID, ops) {
		if _, err := kv.Create(spaceIDKey, []byte(treeID)); err != nil && !errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("record space id: %w", err)
		}
	}
	return ctx.Err()
}

// StartListening pushes ops written after the call until ctx is done.
func (l *Layer) StartListening(ctx context.Context, fn domain.OpsHandler) error {
	kv, err := l.bucket()
	if err != nil {
		return err
	}
	w, err := kv.Watch(opsPrefix+">", nats.UpdatesOnly(), nats.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("watch ops: %w", err)
	}
	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				tree, ok := treeFromKey(entry.Key())
				var op domain.Operation
				if !ok || json.Unmarshal(entry.Value(), &op) != nil {
					l.logger.Warn("dropping malformed op entry", zap.String("key", entry.Key()))
					continue
				}
				fn(tree, []domain.Operation{op})
			}
		}
	}()
	return nil
}

func (l *Layer) LoadSecrets(ctx context.Context) (map[string]string, error) {
	kv, err := l.bucket()
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(secretsPrefix+">", nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Stop() }()
	out := make(map[string]string)
	for entry := range w.Updates() {
		if entry == nil {
			break
		}
		name, err := decode(strings.TrimPrefix(entry.Key(), secretsPrefix))
		if err != nil {
			continue
		}
		out[name] = string(entry.Value())
	}
	return out, ctx.Err()
}

func (l *Layer) SaveSecrets(_ context.Context, secrets map[string]string) error {
	kv, err := l.bucket()
	if err != nil {
		return err
	}
	for k, v := range secrets {
		if _, err := kv.PutString(secretsPrefix+encode(k), v); err != nil {
			return fmt.Errorf("put secret %s: %w", k, err)
		}
	}
	return nil
}
