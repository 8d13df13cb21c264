package upload

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"strconv"

	"github.com/maauso/mediastore/internal/filename"
	"github.com/maauso/mediastore/internal/media"
	"github.com/maauso/mediastore/internal/pathguard"
	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
)

// plannedItem is a mapping checked against the session and the final root.
type plannedItem struct {
	entry    staging.Entry
	mapping  Mapping
	name     string
	public   string
	absolute string
}

// Commit moves staged entries into the final tree under baseDir, in mapping
// order. Every mapping is checked before anything is written; a bad mapping
// leaves the session open and untouched. Once writing starts, a failed item
// is reported in the result and earlier items stay committed. The session
// is removed afterwards.
func (s *Service) Commit(ctx context.Context, sessionID, baseDir string, mappings []Mapping, opts CommitOptions) (*CommitResult, error) {
	if len(mappings) == 0 {
		return nil, ErrNoMappings
	}

	// The owner never changes after creation, so checking it first is enough.
	if _, err := s.area.List(ctx, sessionID); err != nil {
		return nil, err
	}
	view, err := s.area.BeginCommit(sessionID)
	if err != nil {
		return nil, err
	}

	result := &CommitResult{Records: []FinalRecord{}}
	plan, err := s.plan(view, baseDir, mappings, opts, result)
	if err != nil {
		if abortErr := s.area.AbortCommit(view.ID); abortErr != nil {
			s.logger.Warn("failed to reopen session",
				slog.String("session_id", view.ID),
				slog.String("error", abortErr.Error()),
			)
		}
		return nil, err
	}

	for _, item := range plan {
		rec, err := s.commitOne(ctx, view.ID, item)
		if err != nil {
			s.logger.Error("commit item failed",
				slog.String("session_id", view.ID),
				slog.Int("index", item.entry.Index),
				slog.String("path", item.public),
				slog.String("error", err.Error()),
			)
			result.Failures = append(result.Failures, ItemFailure{
				Index:       item.entry.Index,
				StoragePath: item.public,
				Reason:      "write failed",
				Err:         err,
			})
			continue
		}
		result.Records = append(result.Records, rec)
	}

	if err := s.area.FinishCommit(view.ID); err != nil {
		s.logger.Warn("failed to close session",
			slog.String("session_id", view.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("session committed",
		slog.String("session_id", view.ID),
		slog.Int("records", len(result.Records)),
		slog.Int("failures", len(result.Failures)),
		slog.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// plan validates every mapping without touching the disk.
func (s *Service) plan(view staging.View, baseDir string, mappings []Mapping, opts CommitOptions, result *CommitResult) ([]plannedItem, error) {
	baseAbs, err := s.store.Resolve(baseDir)
	if err != nil {
		s.logTraversal(view.ID, baseDir, err)
		return nil, err
	}
	base, err := pathguard.Rel(s.store.Root(), baseAbs)
	if err != nil {
		return nil, err
	}

	plan := make([]plannedItem, 0, len(mappings))
	targets := make(map[string]int, len(mappings))
	for _, m := range mappings {
		entry, ok := view.Entry(m.Index)
		if !ok {
			if opts.FailIfMissing {
				return nil, fmt.Errorf("%w: index %d", ErrEntryMissing, m.Index)
			}
			s.logger.Warn("skipping mapping without staged entry",
				slog.String("session_id", view.ID),
				slog.Int("index", m.Index),
			)
			result.Skipped = append(result.Skipped, m.Index)
			continue
		}

		name := filename.GenerateUnique(entry.Filename)
		if m.Filename != "" {
			name = filename.Sanitize(m.Filename)
		}

		public := path.Join(base, name)
		abs, err := s.store.Resolve(public)
		if err != nil {
			s.logTraversal(view.ID, public, err)
			return nil, err
		}

		if prev, dup := targets[public]; dup {
			return nil, fmt.Errorf("%w: indexes %d and %d", ErrDuplicateTarget, prev, m.Index)
		}
		targets[public] = m.Index

		plan = append(plan, plannedItem{
			entry:    entry,
			mapping:  m,
			name:     name,
			public:   public,
			absolute: abs,
		})
	}
	return plan, nil
}

// commitOne writes one item to its final path, through the hook when one is
// installed.
func (s *Service) commitOne(ctx context.Context, sessionID string, item plannedItem) (FinalRecord, error) {
	rec := FinalRecord{
		Category:    item.entry.Category,
		StoragePath: item.public,
		URL:         s.urls(item.public),
		MIME:        item.entry.MIME,
		Structure:   item.entry.Structure,
	}

	src := item.entry.Path
	if out, res := s.runHook(ctx, sessionID, item); res != nil {
		src = out
		applyHookResult(&rec, res)
	}

	wr, err := s.store.Writer().CopyFile(ctx, src, item.absolute)
	if err != nil {
		return FinalRecord{}, err
	}
	rec.Size = wr.Size
	rec.Digest = wr.Digest

	if len(item.mapping.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(item.mapping.Metadata))
		}
		maps.Copy(rec.Metadata, item.mapping.Metadata)
	}
	if info, _, err := s.store.Stat(item.public); err == nil {
		rec.ModTime = info.ModTime
	}

	s.mirrorPut(ctx, rec)
	return rec, nil
}

// runHook returns the hook's output path and result, or a nil result when
// the raw bytes should be used. Hook failures never fail the item.
func (s *Service) runHook(ctx context.Context, sessionID string, item plannedItem) (string, *media.HookResult) {
	if s.hook == nil {
		return "", nil
	}

	dest := filepath.Join(filepath.Dir(item.entry.Path),
		strconv.Itoa(item.entry.Index)+".out"+filename.Extension(item.name))
	res, err := s.hook.Process(ctx, media.HookInput{
		Source:   item.entry.Path,
		Dest:     dest,
		Filename: item.name,
		Category: item.entry.Category,
		MIME:     item.entry.MIME,
	})
	if err != nil {
		s.logger.Warn("processing hook failed, committing raw bytes",
			slog.String("session_id", sessionID),
			slog.Int("index", item.entry.Index),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	return dest, res
}

func applyHookResult(rec *FinalRecord, res *media.HookResult) {
	if res.MIME != "" {
		rec.MIME = res.MIME
	}
	if res.Width > 0 && res.Height > 0 {
		st := policy.Structure{}
		if rec.Structure != nil {
			st = *rec.Structure
		}
		st.Width, st.Height = res.Width, res.Height
		rec.Structure = &st
	}
	if len(res.Metadata) > 0 {
		rec.Metadata = maps.Clone(res.Metadata)
	}
}

// logTraversal keeps the attempted path server-side.
func (s *Service) logTraversal(sessionID, input string, err error) {
	s.logger.Warn("rejected path outside storage root",
		slog.String("session_id", sessionID),
		slog.String("input", input),
		slog.String("error", err.Error()),
	)
}
