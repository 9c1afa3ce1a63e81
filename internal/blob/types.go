// Package blob opens the storage driver behind a space's file store and
// re-exports the driver contract so callers never import a driver package.
package blob

import "spacesync/internal/blob/core"

type (
	Driver       = core.Driver
	Object       = core.Object
	WriteOptions = core.WriteOptions
	Store        = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var ErrExists = core.ErrExists
