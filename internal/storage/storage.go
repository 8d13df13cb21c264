// Package storage persists bytes safely. It provides the atomic
// write-then-rename writer, SHA-256 content hashing, the final storage tree
// rooted at a single directory, and an optional S3 mirror of that tree.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Static errors for storage operations.
var (
	// ErrNotFound is returned when a path does not exist in the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotAFile is returned when a file operation targets a directory.
	ErrNotAFile = errors.New("storage: not a regular file")
	// ErrRootPath is returned when an operation would remove or overwrite the root itself.
	ErrRootPath = errors.New("storage: operation not allowed on root")
	// ErrAlreadyFinished is returned when an AtomicFile is used after Commit or Abort.
	ErrAlreadyFinished = errors.New("storage: atomic file already finished")
	// ErrS3NotConfigured is returned when the S3 mirror is built without a bucket.
	ErrS3NotConfigured = errors.New("storage: S3 is not configured")
	// ErrMirrorPartialDelete is returned when S3 refuses some keys of a batch delete.
	ErrMirrorPartialDelete = errors.New("storage: mirror delete incomplete")
)

// Info describes one stored file.
type Info struct {
	// Path is the public, forward-slash path relative to the store root.
	Path    string
	Size    int64
	ModTime time.Time
}

// Mirror replicates committed files to secondary storage. Mirroring is best
// effort: callers log failures and keep the local copy authoritative.
type Mirror interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the directory key.
	DeletePrefix(ctx context.Context, dir string) error
}

// NopMirror discards every call.
type NopMirror struct{}

// Put implements Mirror.
func (NopMirror) Put(context.Context, string, io.Reader, int64, string) error { return nil }

// Delete implements Mirror.
func (NopMirror) Delete(context.Context, string) error { return nil }

// DeletePrefix implements Mirror.
func (NopMirror) DeletePrefix(context.Context, string) error { return nil }
