package blob

import (
	"context"
	"fmt"

	fsstore "spacesync/internal/infra/blob/fs"
	memorystore "spacesync/internal/infra/blob/memory"
)

// Options selects and configures a blob driver.
type Options struct {
	Driver Driver
	// Root is the directory root when Driver is fs (default ./spacedata).
	Root string
	S3   S3Config
}

// Open selects a blob.Store implementation from opts. An empty driver means fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.Root)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem returns a store writing under root. Call sites get the
// interface, not the driver type.
func NewFilesystem(root string) (Store, error) {
	st, err := fsstore.New(root)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewMemory returns a process-local store, mostly for tests.
func NewMemory() Store { return memorystore.New() }
