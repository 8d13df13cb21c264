// Package staging holds uploaded files that are not yet committed. Each
// upload session owns one directory under the temp root; files land at
// <tempRoot>/<sessionID>/<index>.
package staging

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/policy"
)

// Static errors for staging operations.
var (
	// ErrSessionNotFound is returned when no session directory exists for an id.
	ErrSessionNotFound = errors.New("staging: session not found")
	// ErrSessionBusy is returned when a session is committing or still receiving files.
	ErrSessionBusy = errors.New("staging: session busy")
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("staging: invalid state transition")
	// ErrNoFiles is returned when a batch holds no files.
	ErrNoFiles = errors.New("staging: no files in batch")
)

// State is the lifecycle state of a session.
type State string

const (
	// StateOpen accepts stage writes.
	StateOpen State = "OPEN"
	// StateCommitting rejects stage writes until the commit finishes or aborts.
	StateCommitting State = "COMMITTING"
	// StateExpired is set by the janitor right before removal.
	StateExpired State = "EXPIRED"
	// StateClosed is final; the directory is gone.
	StateClosed State = "CLOSED"
)

// validTransitions defines which state transitions are allowed.
// Committing -> Open is the abort path, taken before any final write.
var validTransitions = map[State][]State{
	StateOpen:       {StateCommitting, StateExpired},
	StateCommitting: {StateOpen, StateClosed},
	StateExpired:    {StateClosed},
	StateClosed:     {},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

type ownerKey struct{}

// WithOwner scopes session operations run with ctx to one user. A session
// records the owner that created it and is not found for any other.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner set by WithOwner, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Entry is one staged file and its validation outcome.
type Entry struct {
	// Index is the stable key commit mappings refer to.
	Index int `json:"index"`
	// Filename is the sanitized client name.
	Filename     string `json:"filename"`
	DeclaredMIME string `json:"declared_mime,omitempty"`
	Size         int64  `json:"size"`
	Digest       string `json:"digest"`
	// Path is the absolute temp-side location, never exposed to clients.
	Path      string            `json:"-"`
	Category  classify.Category `json:"category"`
	MIME      string            `json:"mime,omitempty"`
	Structure *policy.Structure `json:"structure,omitempty"`
	// Skipped lists structural checks that could not run.
	Skipped   []string  `json:"skipped,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// View is a consistent snapshot of a session.
type View struct {
	ID        string    `json:"session_id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Entries   []Entry   `json:"entries"`
}

// Entry returns the entry with the given index.
func (v View) Entry(index int) (Entry, bool) {
	for _, e := range v.Entries {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// session is guarded by Area.mu.
type session struct {
	id        string
	dir       string
	// owner is the user that created the session, "" when unscoped.
	owner     string
	state     State
	createdAt time.Time
	// inflight counts stage batches between Stage and Accept/Reject.
	inflight  int
	nextIndex int
	entries   []Entry
}

func (s *session) transitionTo(to State) error {
	if !canTransition(s.state, to) {
		return ErrInvalidTransition
	}
	s.state = to
	return nil
}

func (s *session) view() View {
	return View{
		ID:        s.id,
		State:     s.state,
		CreatedAt: s.createdAt,
		Entries:   slices.Clone(s.entries),
	}
}

// manifest is the on-disk form of a session, so sessions survive restarts.
type manifest struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	NextIndex int       `json:"next_index"`
	Entries   []Entry   `json:"entries"`
}
