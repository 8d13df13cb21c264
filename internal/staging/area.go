package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/mediastore/internal/filename"
	"github.com/maauso/mediastore/internal/pathguard"
	"github.com/maauso/mediastore/internal/storage"
)

const (
	dirPerm      = 0750
	manifestName = ".manifest.json"
	// closedSuffix marks a committed session directory awaiting removal.
	// The name is not a uuid, so sweeps treat leftovers as untracked.
	closedSuffix = ".closed"
)

// Incoming is one raw file handed to Stage.
type Incoming struct {
	Filename     string
	DeclaredMIME string
	// Size is the client-declared length, 0 when unknown.
	Size int64
	Body io.Reader
}

// Area is the temp staging tier. Sessions are tracked in memory and mirrored
// to a manifest inside each session directory so they survive restarts.
type Area struct {
	root   string
	writer *storage.Writer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Area.
type Option func(*Area)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Area) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Area) {
		a.now = now
	}
}

// NewArea creates the temp root if needed. Session directories whose
// mtime is older than ttl are removed by Sweep.
func NewArea(root string, ttl time.Duration, opts ...Option) (*Area, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty temp root", pathguard.ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	a := &Area{
		root:     abs,
		ttl:      ttl,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.writer = storage.NewWriter(a.logger)
	return a, nil
}

// Root returns the absolute temp root.
func (a *Area) Root() string {
	return a.root
}

// TTL returns the session time-to-live.
func (a *Area) TTL() time.Duration {
	return a.ttl
}

// Batch is a set of files written by one Stage call. The caller validates
// them and then calls exactly one of Accept or Reject.
type Batch struct {
	area    *Area
	s       *session
	created bool
	done    bool

	// Entries hold size, digest and temp path of each written file, in
	// input order.
	Entries []Entry
}

// SessionID returns the id of the session the batch belongs to.
func (b *Batch) SessionID() string {
	return b.s.id
}

// Stage writes files into the session's directory as <index>. An empty id
// starts a new session. The session stays busy for commits until the
// returned batch is accepted or rejected.
func (a *Area) Stage(ctx context.Context, id string, files []Incoming) (*Batch, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	s, created, start, err := a.reserve(OwnerFromContext(ctx), id, len(files))
	if err != nil {
		return nil, err
	}

	b := &Batch{area: a, s: s, created: created}
	for i, f := range files {
		idx := start + i
		path := filepath.Join(s.dir, strconv.Itoa(idx))
		res, err := a.writer.WriteAtomic(ctx, path, f.Body)
		if err != nil {
			b.Reject()
			return nil, fmt.Errorf("stage file %d: %w", idx, err)
		}
		b.Entries = append(b.Entries, Entry{
			Index:        idx,
			Filename:     filename.Sanitize(f.Filename),
			DeclaredMIME: f.DeclaredMIME,
			Size:         res.Size,
			Digest:       res.Digest,
			Path:         path,
			CreatedAt:    a.now().UTC(),
		})
	}

	return b, nil
}

// reserve finds or creates the session and claims a range of indexes.
func (a *Area) reserve(owner, id string, n int) (*session, bool, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	created := false
	var s *session
	if id == "" {
		id = uuid.NewString()
		dir, err := a.sessionDir(id)
		if err != nil {
			return nil, false, 0, err
		}
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, false, 0, fmt.Errorf("create session directory: %w", err)
		}
		s = &session{id: id, dir: dir, owner: owner, state: StateOpen, createdAt: a.now().UTC()}
		a.sessions[id] = s
		created = true
	} else {
		var err error
		s, err = a.lookup(id)
		if err != nil {
			return nil, false, 0, err
		}
		if s.owner != owner {
			return nil, false, 0, ErrSessionNotFound
		}
	}

	switch s.state {
	case StateOpen:
	case StateCommitting:
		return nil, false, 0, ErrSessionBusy
	default:
		return nil, false, 0, ErrSessionNotFound
	}

	start := s.nextIndex
	s.nextIndex += n
	s.inflight++
	return s, created, start, nil
}

// Accept records the validated entries and persists the manifest. The
// entries join the session only once the manifest is written; on failure
// the batch is rejected.
func (b *Batch) Accept(ctx context.Context, entries []Entry) (View, error) {
	a := b.area
	a.mu.Lock()
	if b.done {
		a.mu.Unlock()
		return View{}, ErrInvalidTransition
	}

	all := append(slices.Clone(b.s.entries), entries...)
	if err := a.saveManifest(ctx, b.s, all); err != nil {
		a.mu.Unlock()
		b.Reject()
		return View{}, err
	}
	b.done = true
	b.s.inflight--
	b.s.entries = all
	view := b.s.view()
	a.mu.Unlock()
	return view, nil
}

// Reject removes every file of the batch. A session created by this batch
// that holds nothing else is removed with it.
func (b *Batch) Reject() {
	a := b.area
	for _, e := range b.Entries {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("failed to remove staged file",
				slog.String("session_id", b.s.id),
				slog.String("path", e.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.s.inflight--

	if b.created && b.s.inflight == 0 && len(b.s.entries) == 0 && b.s.state == StateOpen {
		delete(a.sessions, b.s.id)
		a.removeDir(b.s)
	}
}

// List returns a snapshot of the session owned by ctx's owner.
func (a *Area) List(ctx context.Context, id string) (View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(id)
	if err != nil {
		return View{}, err
	}
	if s.owner != OwnerFromContext(ctx) || s.state == StateExpired || s.state == StateClosed {
		return View{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// BeginCommit moves the session to Committing. New stage writes fail with
// ErrSessionBusy until FinishCommit or AbortCommit.
func (a *Area) BeginCommit(id string) (View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(id)
	if err != nil {
		return View{}, err
	}
	switch {
	case s.state == StateExpired || s.state == StateClosed:
		return View{}, ErrSessionNotFound
	case s.state == StateCommitting || s.inflight > 0:
		return View{}, ErrSessionBusy
	}
	if err := s.transitionTo(StateCommitting); err != nil {
		return View{}, err
	}
	return s.view(), nil
}

// AbortCommit returns a committing session to Open.
func (a *Area) AbortCommit(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[canonical(id)]
	if !ok {
		return ErrSessionNotFound
	}
	return s.transitionTo(StateOpen)
}

// FinishCommit closes the session and removes its directory.
func (a *Area) FinishCommit(id string) error {
	id = canonical(id)
	a.mu.Lock()
	s, ok := a.sessions[id]
	if !ok {
		a.mu.Unlock()
		return ErrSessionNotFound
	}
	if err := s.transitionTo(StateClosed); err != nil {
		a.mu.Unlock()
		return err
	}

	// The directory leaves its id path before the lock is released, so
	// lookup cannot reload the closed session from its manifest.
	trash := s.dir + closedSuffix
	if err := os.Rename(s.dir, trash); err != nil {
		// s stays tracked as Closed until a sweep removes the directory.
		a.mu.Unlock()
		return fmt.Errorf("move session directory: %w", err)
	}
	delete(a.sessions, id)
	a.mu.Unlock()

	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

// lookup returns the tracked session or loads it from disk. Callers hold a.mu.
func (a *Area) lookup(id string) (*session, error) {
	id = canonical(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}
	if s, ok := a.sessions[id]; ok {
		return s, nil
	}

	dir, err := a.sessionDir(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ErrSessionNotFound
	}

	s := &session{id: id, dir: dir, state: StateOpen, createdAt: info.ModTime().UTC()}
	if err := a.loadManifest(s); err != nil {
		a.logger.Warn("ignoring unreadable session manifest",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	a.sessions[id] = s
	return s, nil
}

// canonical returns the normalized form of a session id, or "" when id is
// not a uuid.
func canonical(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return ""
	}
	return u.String()
}

func (a *Area) sessionDir(id string) (string, error) {
	return pathguard.Resolve(a.root, id)
}

func (a *Area) loadManifest(s *session) error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestName)) // #nosec G304 - dir is resolved under the temp root
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	s.createdAt = m.CreatedAt
	s.owner = m.Owner
	s.nextIndex = m.NextIndex
	s.entries = s.entries[:0]
	for _, e := range m.Entries {
		e.Path = filepath.Join(s.dir, strconv.Itoa(e.Index))
		s.entries = append(s.entries, e)
		if e.Index >= s.nextIndex {
			s.nextIndex = e.Index + 1
		}
	}
	return nil
}

func (a *Area) saveManifest(ctx context.Context, s *session, entries []Entry) error {
	data, err := json.Marshal(manifest{
		ID:        s.id,
		Owner:     s.owner,
		CreatedAt: s.createdAt,
		NextIndex: s.nextIndex,
		Entries:   entries,
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := a.writer.WriteAtomic(ctx, filepath.Join(s.dir, manifestName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (a *Area) removeDir(s *session) {
	if err := os.RemoveAll(s.dir); err != nil {
		a.logger.Warn("failed to remove session directory",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}
}
