package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientOperations is returned while an op set cannot yet build a document.
	// It is expected during layer racing and never surfaced to callers.
	ErrInsufficientOperations = errors.New("insufficient operations to construct document")
	// ErrSpaceConstruction is returned when every layer responded and no document could be built.
	ErrSpaceConstruction = errors.New("space construction failed")
	// ErrSpaceNotFound is returned when no layer knows the requested space.
	ErrSpaceNotFound = errors.New("space not found")
	// ErrTreeNotFound is returned when no layer holds enough ops for an app tree.
	ErrTreeNotFound = errors.New("app tree not found")
	// ErrLoadTimeout is returned when a space did not become ready before the deadline.
	ErrLoadTimeout = errors.New("space load timed out")
	// ErrInvalidAddress is returned for malformed hashes or UUIDs in the file store.
	ErrInvalidAddress = errors.New("invalid file address")
	// ErrMissingStorageProvider is returned when file operations run without a file layer.
	ErrMissingStorageProvider = errors.New("no file storage provider attached")
	// ErrUnsupported is returned by layers for capabilities they do not declare.
	ErrUnsupported = errors.New("layer: unsupported operation")
	// ErrRunnerDisposed is returned by operations on a disposed runner.
	ErrRunnerDisposed = errors.New("space runner disposed")
)

// LayerError describes a fault raised by one persistence layer. Such faults are
// logged and isolated; they never abort work against other layers.
type LayerError struct {
	Layer string
	Op    string
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %s: %s: %v", e.Layer, e.Op, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }
