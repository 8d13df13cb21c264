package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0750
	filePerm = 0640
	// tempMarker separates the target name from the random suffix of a
	// sibling temp file: ".<base>.tmp-<random>".
	tempMarker = ".tmp-"
)

// WriteResult is what landed at the target path.
type WriteResult struct {
	Size   int64
	Digest string
}

// Writer creates files through write-to-sibling-then-rename.
type Writer struct {
	logger *slog.Logger
}

// NewWriter creates a Writer. A nil logger uses slog.Default().
func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{logger: logger}
}

// AtomicFile is an open temp sibling of a target path. Nothing is visible at
// the target until Commit. Exactly one of Commit or Abort must be called.
type AtomicFile struct {
	target string
	f      *os.File
	hw     *HashingWriter
	done   bool
	logger *slog.Logger
}

// Create makes sure target's parent exists and opens a temp sibling.
func (w *Writer) Create(target string) (*AtomicFile, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+tempMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{
		target: target,
		f:      f,
		hw:     NewHashingWriter(f),
		logger: w.logger,
	}, nil
}

// Write implements io.Writer.
func (a *AtomicFile) Write(p []byte) (int, error) {
	if a.done {
		return 0, ErrAlreadyFinished
	}
	return a.hw.Write(p)
}

// TempPath returns the path of the temp sibling, which holds the bytes
// written so far.
func (a *AtomicFile) TempPath() string {
	return a.f.Name()
}

// Size returns the number of bytes written so far.
func (a *AtomicFile) Size() int64 {
	return a.hw.Size()
}

// Commit flushes the temp file to disk and renames it onto the target.
// On failure the temp file is removed.
func (a *AtomicFile) Commit() (WriteResult, error) {
	if a.done {
		return WriteResult{}, ErrAlreadyFinished
	}
	a.done = true

	if err := a.f.Sync(); err != nil {
		a.cleanup()
		return WriteResult{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := a.f.Close(); err != nil {
		a.remove()
		return WriteResult{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(a.f.Name(), filePerm); err != nil {
		a.remove()
		return WriteResult{}, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(a.f.Name(), a.target); err != nil {
		a.remove()
		return WriteResult{}, fmt.Errorf("rename into place: %w", err)
	}
	syncDir(filepath.Dir(a.target))

	return WriteResult{Size: a.hw.Size(), Digest: a.hw.Sum()}, nil
}

// Abort discards the temp file. It is safe to call after Commit.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.cleanup()
}

func (a *AtomicFile) cleanup() {
	_ = a.f.Close()
	a.remove()
}

func (a *AtomicFile) remove() {
	if err := os.Remove(a.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("failed to remove temp file",
			slog.String("path", a.f.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// WriteAtomic streams r into target. Cancelling ctx aborts the copy and
// leaves target untouched.
func (w *Writer) WriteAtomic(ctx context.Context, target string, r io.Reader) (WriteResult, error) {
	select {
	case <-ctx.Done():
		return WriteResult{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	af, err := w.Create(target)
	if err != nil {
		return WriteResult{}, err
	}

	if _, err := io.Copy(af, &ctxReader{ctx: ctx, r: r}); err != nil {
		af.Abort()
		return WriteResult{}, fmt.Errorf("write temp file: %w", err)
	}

	return af.Commit()
}

// CopyFile atomically copies src onto target.
func (w *Writer) CopyFile(ctx context.Context, src, target string) (WriteResult, error) {
	f, err := os.Open(src) // #nosec G304 - src is an internal staging path
	if err != nil {
		return WriteResult{}, fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return w.WriteAtomic(ctx, target, f)
}

// IsTempName reports whether name looks like an in-flight temp sibling.
func IsTempName(name string) bool {
	rest, ok := strings.CutPrefix(name, ".")
	return ok && strings.Contains(rest, tempMarker)
}

// syncDir makes the rename durable. Some filesystems refuse directory fsync,
// so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 - dir is the parent of a resolved target
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ctxReader fails the copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
