package staging

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultSweepInterval is used when the janitor is given no interval.
const DefaultSweepInterval = 10 * time.Minute

// SweepResult summarizes one sweep.
type SweepResult struct {
	Removed int
	Skipped int
	Failed  int
}

// Sweep removes every session directory whose mtime is older than the
// TTL. Sessions that are committing or still receiving files are left
// alone. A failure on one entry is logged and the sweep moves on.
func (a *Area) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	entries, err := os.ReadDir(a.root)
	if err != nil {
		a.logger.Error("failed to read temp root",
			slog.String("root", a.root),
			slog.String("error", err.Error()),
		)
		return res
	}

	cutoff := a.now().Add(-a.ttl)
	for _, de := range entries {
		if ctx.Err() != nil {
			return res
		}
		if !de.IsDir() {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// Committed concurrently.
			continue
		}
		if err != nil {
			a.logger.Warn("failed to stat session directory",
				slog.String("entry", de.Name()),
				slog.String("error", err.Error()),
			)
			res.Failed++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		switch a.expire(de.Name()) {
		case expireRemoved:
			res.Removed++
		case expireSkipped:
			res.Skipped++
		case expireFailed:
			res.Failed++
		}
	}

	if res.Removed > 0 || res.Failed > 0 {
		a.logger.Info("temp sweep finished",
			slog.Int("removed", res.Removed),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res
}

type expireOutcome int

const (
	expireRemoved expireOutcome = iota
	expireSkipped
	expireFailed
)

// expire takes one session through Open -> Expired -> Closed.
func (a *Area) expire(name string) expireOutcome {
	dir, err := a.sessionDir(name)
	if err != nil {
		return expireSkipped
	}

	a.mu.Lock()
	id := canonical(name)
	s, tracked := a.sessions[id]
	if !tracked {
		s = &session{id: name, dir: dir, state: StateOpen}
	}
	// A Closed session still tracked is a commit whose directory could not
	// be moved away; it is retried here.
	if s.inflight > 0 || (s.state != StateClosed && s.transitionTo(StateExpired) != nil) {
		a.mu.Unlock()
		return expireSkipped
	}
	if id != "" {
		a.sessions[id] = s
	}
	a.mu.Unlock()

	err = os.RemoveAll(dir)

	a.mu.Lock()
	if s.state != StateClosed {
		_ = s.transitionTo(StateClosed)
	}
	// On failure the Closed session stays tracked so lookup never reloads
	// it from the leftover manifest.
	if id != "" && err == nil {
		delete(a.sessions, id)
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("failed to remove expired session",
			slog.String("session_id", name),
			slog.String("error", err.Error()),
		)
		return expireFailed
	}
	a.logger.Debug("expired session removed", slog.String("session_id", name))
	return expireRemoved
}

// Janitor runs Sweep on a fixed interval until stopped.
type Janitor struct {
	area     *Area
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a Janitor for area.
func NewJanitor(area *Area, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{area: area, interval: interval, logger: logger}
}

// Start launches the sweep loop. It returns immediately; calling Start on a
// running janitor does nothing.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)

	j.logger.Info("temp janitor started",
		slog.Duration("interval", j.interval),
		slog.Duration("ttl", j.area.TTL()),
	)
}

// Stop ends the loop and waits for a running sweep to return.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.area.Sweep(ctx)
		}
	}
}
