// Package core holds the contract between the file store and its storage
// drivers. Drivers live under internal/infra/blob; the blob package picks one.
package core

import (
	"context"
	"errors"
	"io"
)

// Driver names a storage backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Object is what a driver reports about one stored file.
type Object struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// WriteOptions tunes Write.
type WriteOptions struct {
	ContentType string
	// Replace lets Write overwrite an existing key. Without it Write fails
	// with ErrExists and the stored bytes stay untouched.
	Replace bool
}

// Store is the filesystem a space's file store writes through. Keys are
// slash separated relative paths; reading a missing key yields an error that
// matches fs.ErrNotExist.
type Store interface {
	Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) (Object, error)
	Open(ctx context.Context, key string) (Object, io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Object, error)
	// Remove reports whether the key existed.
	Remove(ctx context.Context, key string) (bool, error)
	// Keys lists the stored keys under prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Driver() Driver
}

// ErrExists is returned by a create-only Write to a taken key.
var ErrExists = errors.New("blob: key already exists")
