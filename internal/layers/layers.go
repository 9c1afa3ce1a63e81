// Package layers builds persistence layers and the file provider from
// configuration.
package layers

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"spacesync/internal/blob"
	"spacesync/internal/config"
	"spacesync/internal/filestore"
	"spacesync/internal/infra/persistence/fsops"
	"spacesync/internal/infra/persistence/memory"
	"spacesync/internal/infra/persistence/natskv"
	"spacesync/internal/infra/persistence/postgres"
	"spacesync/internal/infra/persistence/sqlite"
	"spacesync/pkg/domain"
)

var unsafeBucketChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Build opens one layer per config entry for the space stored under
// spaceKey. Shared backends (sqlite, postgres) scope their rows by key,
// directory and bucket backends get a per-space location.
func Build(cfgs []config.LayerConfig, spaceKey string, logger *zap.Logger) ([]domain.PersistenceLayer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]domain.PersistenceLayer, 0, len(cfgs))
	for _, c := range cfgs {
		l, err := build(c, spaceKey, logger)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", c.ID, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func build(c config.LayerConfig, spaceKey string, logger *zap.Logger) (domain.PersistenceLayer, error) {
	scope := c.Scope
	if scope == "" {
		scope = spaceKey
	}
	switch c.Type {
	case config.LayerMemory:
		var opts []memory.Option
		if c.Compacted {
			opts = append(opts, memory.WithCompaction())
		}
		return memory.New(c.ID, opts...), nil
	case config.LayerSQLite:
		return sqlite.Open(c.ID, c.Path, scope)
	case config.LayerPostgres:
		return postgres.Open(c.ID, c.DSN, scope)
	case config.LayerFS:
		return fsops.New(c.ID, filepath.Join(c.Path, filepath.Base(filepath.Clean("/"+scope)))), nil
	case config.LayerNATS:
		bucket := c.Bucket
		if scope != "" {
			bucket += "_" + unsafeBucketChars.ReplaceAllString(scope, "_")
		}
		return natskv.New(c.ID, natskv.Config{URL: c.URL, Bucket: bucket}, natskv.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown layer type %q", c.Type)
	}
}

// FileProvider opens the blob driver selected by cfg and roots the space's
// files under cfg.SpaceRoot/spaceKey.
func FileProvider(ctx context.Context, cfg config.FilesConfig, spaceKey string) (filestore.Provider, error) {
	fs, err := blob.Open(ctx, blob.Options{
		Driver: blob.Driver(cfg.Driver),
		Root:   cfg.Root,
		S3: blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		},
	})
	if err != nil {
		return nil, err
	}
	root := spaceKey
	if cfg.SpaceRoot != "" {
		root = cfg.SpaceRoot + "/" + spaceKey
	}
	return filestore.NewProvider(root, fs), nil
}
