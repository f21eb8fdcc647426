package main

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or collection does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by a store, or any collection taken from it, after Close.
	ErrClosed = errors.New("store is closed")
)

// EngineError reports a failure to open or talk to the database engine.
type EngineError struct {
	Path string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Path, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IndexError reports a field whose values cannot be held by the requested index kind.
type IndexError struct {
	Field string
	Kind  IndexKind
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s (%s): %v", e.Field, e.Kind, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// StorageError reports an I/O failure while persisting or loading documents.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WorkloadError aborts a workload phase. Index is the position of the failing
// operation within the phase.
type WorkloadError struct {
	Op    WorkloadKind
	Index int
	Err   error
}

func (e *WorkloadError) Error() string {
	return fmt.Sprintf("%s failed at operation %d: %v", e.Op, e.Index, e.Err)
}

func (e *WorkloadError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means a missing document or collection.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
		return err
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
