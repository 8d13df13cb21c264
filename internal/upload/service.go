// Package upload ties staging, validation and final storage together. Files
// are staged and validated as a batch, then committed one by one into the
// final tree.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/media"
	"github.com/maauso/mediastore/internal/pathguard"
	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
	"github.com/maauso/mediastore/internal/storage"
)

// Static errors for upload operations.
var (
	// ErrNoMappings is returned when a commit names no files.
	ErrNoMappings = errors.New("upload: no mappings")
	// ErrEntryMissing is returned when a mapping names an index the session doesn't hold.
	ErrEntryMissing = errors.New("upload: staged entry missing")
	// ErrDuplicateTarget is returned when two mappings resolve to the same final path.
	ErrDuplicateTarget = errors.New("upload: duplicate target path")
)

const (
	// DefaultPageLimit is used when a listing asks for no limit.
	DefaultPageLimit = 50
	// MaxPageLimit caps a listing page.
	MaxPageLimit = 1000
)

// Service is the public face of the storage pipeline.
type Service struct {
	area       *staging.Area
	store      *storage.LocalStore
	classifier *classify.Classifier
	enforcer   *policy.Enforcer
	hook       media.Hook
	mirror     storage.Mirror
	urls       URLBuilder
	logger     *slog.Logger
	workers    int
}

// Option configures a Service.
type Option func(*Service)

// WithHook installs a processing hook run on every committed file.
func WithHook(h media.Hook) Option {
	return func(s *Service) {
		s.hook = h
	}
}

// WithMirror copies committed files to a secondary store.
func WithMirror(m storage.Mirror) Option {
	return func(s *Service) {
		if m != nil {
			s.mirror = m
		}
	}
}

// WithURLBuilder sets how public URLs are built.
func WithURLBuilder(b URLBuilder) Option {
	return func(s *Service) {
		if b != nil {
			s.urls = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency limits how many files of a batch are classified at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewService creates a Service. The classifier should be built from the
// same rule table as the enforcer.
func NewService(area *staging.Area, store *storage.LocalStore, classifier *classify.Classifier, enforcer *policy.Enforcer, opts ...Option) *Service {
	s := &Service{
		area:       area,
		store:      store,
		classifier: classifier,
		enforcer:   enforcer,
		mirror:     storage.NopMirror{},
		urls:       NewURLBuilder(""),
		logger:     slog.Default(),
		workers:    runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage writes files into a temp session and validates the whole batch.
// When any file is rejected the batch leaves nothing behind and the
// returned error is a *policy.BatchError listing every rejection.
func (s *Service) Stage(ctx context.Context, sessionID string, files []staging.Incoming) (staging.View, error) {
	limit := s.enforcer.MaxSize()

	// Declared sizes are checked before anything is written.
	var early []*policy.Violation
	for i, f := range files {
		if f.Size > limit {
			early = append(early, tooLarge(i, f.Filename, f.Size, limit))
		}
	}
	if len(early) > 0 {
		return staging.View{}, &policy.BatchError{Violations: early}
	}

	bounded := make([]staging.Incoming, len(files))
	for i, f := range files {
		f.Body = &limitedBody{r: f.Body, limit: limit, index: i, filename: f.Filename}
		bounded[i] = f
	}

	batch, err := s.area.Stage(ctx, sessionID, bounded)
	if err != nil {
		var v *policy.Violation
		if errors.As(err, &v) {
			return staging.View{}, &policy.BatchError{Violations: []*policy.Violation{v}}
		}
		return staging.View{}, err
	}

	entries, err := s.validate(ctx, batch.Entries)
	if err != nil {
		batch.Reject()
		var be *policy.BatchError
		if errors.As(err, &be) {
			s.logger.Info("batch rejected",
				slog.String("session_id", batch.SessionID()),
				slog.Int("files", len(files)),
				slog.Int("violations", len(be.Violations)),
			)
		}
		return staging.View{}, err
	}

	view, err := batch.Accept(ctx, entries)
	if err != nil {
		return staging.View{}, fmt.Errorf("record staged files: %w", err)
	}

	s.logger.Info("files staged",
		slog.String("session_id", view.ID),
		slog.Int("files", len(entries)),
		slog.Int("session_files", len(view.Entries)),
	)
	return view, nil
}

// validate classifies every entry concurrently and then runs the batch
// through the enforcer. Indexes in violations are batch positions.
func (s *Service) validate(ctx context.Context, entries []staging.Entry) ([]staging.Entry, error) {
	results := make([]classify.Result, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, e := range entries {
		g.Go(func() error {
			res, err := s.classifier.Classify(gctx, e.Path, classify.Hint{
				DeclaredMIME: e.DeclaredMIME,
				Filename:     e.Filename,
			})
			if err != nil {
				return fmt.Errorf("classify file %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]policy.Item, len(entries))
	for i, e := range entries {
		items[i] = policy.Item{
			Index:    i,
			Filename: e.Filename,
			Category: results[i].Category,
			Size:     e.Size,
			Path:     e.Path,
		}
	}
	decisions, err := s.enforcer.EnforceBatch(ctx, items)
	if err != nil {
		return nil, err
	}

	out := make([]staging.Entry, len(entries))
	for i, e := range entries {
		e.Category = decisions[i].Category
		e.MIME = results[i].MIME
		e.Structure = decisions[i].Structure
		e.Skipped = decisions[i].Skipped
		out[i] = e
	}
	return out, nil
}

// Session returns a snapshot of a temp session.
func (s *Service) Session(ctx context.Context, sessionID string) (staging.View, error) {
	return s.area.List(ctx, sessionID)
}

// ListFinal lists regular files directly under dir.
func (s *Service) ListFinal(ctx context.Context, dir string, offset, limit int) (Page, error) {
	infos, err := s.store.List(ctx, dir)
	if err != nil {
		return Page{}, err
	}

	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)
	offset = max(offset, 0)

	page := Page{Total: len(infos), Offset: offset, Limit: limit, Items: []FinalRecord{}}
	if offset >= len(infos) {
		return page, nil
	}
	for _, info := range infos[offset:min(offset+limit, len(infos))] {
		rec, err := s.describe(ctx, info, false)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, rec)
	}
	return page, nil
}

// GetMetadata describes one final file, digest included.
func (s *Service) GetMetadata(ctx context.Context, rel string) (FinalRecord, error) {
	info, _, err := s.store.Stat(rel)
	if err != nil {
		return FinalRecord{}, err
	}
	return s.describe(ctx, info, true)
}

// DeletePath removes a file or directory from the final tree. Deleting a
// missing path succeeds. The mirror follows: a file by key, a directory by
// prefix.
func (s *Service) DeletePath(ctx context.Context, rel string) error {
	info, _, statErr := s.store.Stat(rel)

	mirrorDelete := func() error { return nil }
	mirrorPath := info.Path
	switch {
	case statErr == nil:
		mirrorDelete = func() error { return s.mirror.Delete(ctx, mirrorPath) }
	case errors.Is(statErr, storage.ErrNotAFile):
		abs, err := s.store.Resolve(rel)
		if err != nil {
			return err
		}
		if mirrorPath, err = pathguard.Rel(s.store.Root(), abs); err != nil {
			return err
		}
		mirrorDelete = func() error { return s.mirror.DeletePrefix(ctx, mirrorPath) }
	}

	if err := s.store.Delete(ctx, rel); err != nil {
		return err
	}

	if err := mirrorDelete(); err != nil {
		s.logger.Warn("failed to delete mirrored path",
			slog.String("path", mirrorPath),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("path deleted", slog.String("path", rel))
	return nil
}

// Replace overwrites an existing final file. The new bytes go through the
// same classification and policy as a staged upload and only replace the
// old file once they pass.
func (s *Service) Replace(ctx context.Context, rel string, body io.Reader, declaredMIME string) (FinalRecord, error) {
	info, _, err := s.store.Stat(rel)
	if err != nil {
		return FinalRecord{}, err
	}

	af, err := s.store.Create(info.Path)
	if err != nil {
		return FinalRecord{}, err
	}
	defer af.Abort()

	limit := s.enforcer.MaxSize()
	name := path.Base(info.Path)
	lb := &limitedBody{r: body, limit: limit, filename: name}
	if _, err := io.Copy(af, &ctxReader{ctx: ctx, r: lb}); err != nil {
		var v *policy.Violation
		if errors.As(err, &v) {
			return FinalRecord{}, &policy.BatchError{Violations: []*policy.Violation{v}}
		}
		return FinalRecord{}, fmt.Errorf("write replacement: %w", err)
	}

	res, err := s.classifier.Classify(ctx, af.TempPath(), classify.Hint{DeclaredMIME: declaredMIME, Filename: name})
	if err != nil {
		return FinalRecord{}, fmt.Errorf("classify replacement: %w", err)
	}
	decisions, err := s.enforcer.EnforceBatch(ctx, []policy.Item{{
		Filename: name,
		Category: res.Category,
		Size:     af.Size(),
		Path:     af.TempPath(),
	}})
	if err != nil {
		return FinalRecord{}, err
	}

	wr, err := af.Commit()
	if err != nil {
		return FinalRecord{}, fmt.Errorf("commit replacement: %w", err)
	}

	rec := FinalRecord{
		Category:    decisions[0].Category,
		StoragePath: info.Path,
		URL:         s.urls(info.Path),
		Size:        wr.Size,
		Digest:      wr.Digest,
		MIME:        res.MIME,
		Structure:   decisions[0].Structure,
	}
	if st, _, err := s.store.Stat(info.Path); err == nil {
		rec.ModTime = st.ModTime
	}
	s.mirrorPut(ctx, rec)

	s.logger.Info("file replaced",
		slog.String("path", rec.StoragePath),
		slog.Int64("size", rec.Size),
		slog.String("digest", rec.Digest),
	)
	return rec, nil
}

// describe builds a record for a file already in the final tree.
func (s *Service) describe(ctx context.Context, info storage.Info, withDigest bool) (FinalRecord, error) {
	abs, err := s.store.Resolve(info.Path)
	if err != nil {
		return FinalRecord{}, err
	}

	rec := FinalRecord{
		Category:    classify.Unknown,
		StoragePath: info.Path,
		URL:         s.urls(info.Path),
		Size:        info.Size,
		ModTime:     info.ModTime,
	}

	res, err := s.classifier.Classify(ctx, abs, classify.Hint{Filename: path.Base(info.Path)})
	if err != nil {
		return FinalRecord{}, fmt.Errorf("classify %s: %w", info.Path, err)
	}
	rec.Category = res.Category
	rec.MIME = res.MIME

	if withDigest {
		digest, _, err := storage.DigestFile(abs)
		if err != nil {
			return FinalRecord{}, fmt.Errorf("digest %s: %w", info.Path, err)
		}
		rec.Digest = digest
	}
	return rec, nil
}

// mirrorPut copies a committed file to the mirror. Failures are logged,
// the local copy is authoritative.
func (s *Service) mirrorPut(ctx context.Context, rec FinalRecord) {
	if _, ok := s.mirror.(storage.NopMirror); ok {
		return
	}

	rc, err := s.store.Open(ctx, rec.StoragePath)
	if err != nil {
		s.logger.Warn("failed to open file for mirroring",
			slog.String("path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = rc.Close() }()

	if err := s.mirror.Put(ctx, rec.StoragePath, rc, rec.Size, rec.MIME); err != nil {
		s.logger.Warn("failed to mirror file",
			slog.String("path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
	}
}

func tooLarge(index int, filename string, observed, limit int64) *policy.Violation {
	return &policy.Violation{
		Index:    index,
		Filename: filename,
		Code:     policy.CodeTooLarge,
		Category: classify.Unknown,
		Observed: float64(observed),
		Limit:    float64(limit),
		Err:      policy.ErrTooLarge,
	}
}

// limitedBody fails with a TooLarge violation once more than limit bytes
// have been read, so oversized bodies are never fully written.
type limitedBody struct {
	r        io.Reader
	limit    int64
	read     int64
	index    int
	filename string
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if room := l.limit - l.read + 1; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return 0, tooLarge(l.index, l.filename, l.read, l.limit)
	}
	return n, err
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
