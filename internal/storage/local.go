package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maauso/mediastore/internal/pathguard"
)

// LocalStore is the final storage tree. Every path it touches is resolved
// through pathguard against its root.
type LocalStore struct {
	root   string
	writer *Writer
	logger *slog.Logger
}

// NewLocalStore creates a LocalStore rooted at root. The directory is
// created if it doesn't exist.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", pathguard.ErrInvalidRoot)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStore{root: abs, writer: NewWriter(logger), logger: logger}, nil
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Writer returns the atomic writer used by the store.
func (s *LocalStore) Writer() *Writer {
	return s.writer
}

// Resolve maps a public relative path to its absolute location.
func (s *LocalStore) Resolve(rel string) (string, error) {
	return pathguard.Resolve(s.root, rel)
}

// Stat returns information about a stored file.
func (s *LocalStore) Stat(rel string) (Info, string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return Info{}, "", err
	}

	fi, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, "", ErrNotFound
	}
	if err != nil {
		return Info{}, "", fmt.Errorf("stat file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return Info{}, "", ErrNotAFile
	}

	return Info{Path: pathguard.ToPublic(rel), Size: fi.Size(), ModTime: fi.ModTime()}, abs, nil
}

// Open opens a stored file for reading. The caller closes it.
func (s *LocalStore) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	_, abs, err := s.Stat(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs) // #nosec G304 - abs is resolved through pathguard
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// List returns the regular files directly under dir, sorted by name.
// Hidden entries and in-flight temp files are skipped. A missing directory
// is an empty listing.
func (s *LocalStore) List(ctx context.Context, dir string) ([]Info, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	abs, err := s.Resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	base := pathguard.ToPublic(dir)
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || IsTempName(name) || !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		p := name
		if base != "" {
			p = base + "/" + name
		}
		out = append(out, Info{Path: p, Size: fi.Size(), ModTime: fi.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// WriteAtomic streams r to rel through the atomic writer.
func (s *LocalStore) WriteAtomic(ctx context.Context, rel string, r io.Reader) (WriteResult, error) {
	abs, err := s.target(rel)
	if err != nil {
		return WriteResult{}, err
	}
	return s.writer.WriteAtomic(ctx, abs, r)
}

// Create opens an atomic file for rel. Nothing is visible until Commit.
func (s *LocalStore) Create(rel string) (*AtomicFile, error) {
	abs, err := s.target(rel)
	if err != nil {
		return nil, err
	}
	return s.writer.Create(abs)
}

// Delete removes rel, file or directory. Missing paths are not an error.
func (s *LocalStore) Delete(ctx context.Context, rel string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return ErrRootPath
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove %s: %w", pathguard.ToPublic(rel), err)
	}
	return nil
}

func (s *LocalStore) target(rel string) (string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if abs == s.root {
		return "", ErrRootPath
	}
	return abs, nil
}
