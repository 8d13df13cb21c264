package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/mediastore/internal/classify"
)

// Structure is the structural metadata a probe can extract. Zero fields are
// unknown or not applicable.
type Structure struct {
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Pages       int     `json:"pages,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Capabilities reports and performs the structural probes available in this
// process. Probing may need optional decoders or external binaries.
type Capabilities interface {
	SupportsStructuralCheck(c classify.Category) bool
	Probe(ctx context.Context, c classify.Category, path string) (Structure, error)
}

// NoCapabilities supports no structural check at all.
type NoCapabilities struct{}

// SupportsStructuralCheck implements Capabilities.
func (NoCapabilities) SupportsStructuralCheck(classify.Category) bool { return false }

// Probe implements Capabilities.
func (NoCapabilities) Probe(context.Context, classify.Category, string) (Structure, error) {
	return Structure{}, nil
}

// Decision is the outcome of an accepted file.
type Decision struct {
	Category classify.Category `json:"category"`
	// Structure is nil when no probe ran.
	Structure *Structure `json:"structure,omitempty"`
	// Skipped lists structural checks the rule asks for but this process
	// cannot perform.
	Skipped []string `json:"skipped,omitempty"`
}

// Item is one file of a batch.
type Item struct {
	Index    int
	Filename string
	Category classify.Category
	Size     int64
	Path     string
}

// Enforcer checks files against a rule table.
type Enforcer struct {
	rules  Rules
	caps   Capabilities
	logger *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger
	}
}

// NewEnforcer creates an Enforcer. A nil caps disables structural checks.
func NewEnforcer(rules Rules, caps Capabilities, opts ...Option) *Enforcer {
	if caps == nil {
		caps = NoCapabilities{}
	}
	e := &Enforcer{rules: rules, caps: caps, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Rules returns the rule table in force.
func (e *Enforcer) Rules() Rules {
	return e.rules
}

// MaxSize is the largest size any category accepts. Callers reject bodies
// above it before any content sniffing.
func (e *Enforcer) MaxSize() int64 {
	return e.rules.MaxSize()
}

// Enforce checks one file: rule lookup, then size, then structural limits.
// Rejections are returned as *Violation.
func (e *Enforcer) Enforce(ctx context.Context, category classify.Category, size int64, path string) (Decision, error) {
	rule, ok := e.rules.For(category)
	if !ok {
		return Decision{}, &Violation{Code: CodeUnsupportedCategory, Category: category, Err: ErrUnsupportedCategory}
	}

	if size > rule.MaxSize {
		return Decision{}, &Violation{
			Code:     CodeTooLarge,
			Category: category,
			Observed: float64(size),
			Limit:    float64(rule.MaxSize),
			Err:      ErrTooLarge,
		}
	}

	decision := Decision{Category: category}
	kinds := structuralKinds(category, rule)
	if len(kinds) == 0 {
		return decision, nil
	}

	if !e.caps.SupportsStructuralCheck(category) {
		decision.Skipped = kinds
		e.logger.Warn("structural check skipped",
			slog.String("category", category.String()),
			slog.Any("checks", kinds),
		)
		return decision, nil
	}

	st, err := e.caps.Probe(ctx, category, path)
	if errors.Is(err, ErrCheckUnavailable) {
		decision.Skipped = kinds
		e.logger.Warn("structural check skipped",
			slog.String("category", category.String()),
			slog.Any("checks", kinds),
			slog.String("reason", err.Error()),
		)
		return decision, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("probe structure: %w", ctx.Err())
		}
		e.logger.Warn("structure probe failed",
			slog.String("category", category.String()),
			slog.String("error", err.Error()),
		)
		return Decision{}, &Violation{
			Code:     CodeStructureUnreadable,
			Category: category,
			Err:      fmt.Errorf("%w: %w", ErrStructureUnreadable, err),
		}
	}
	decision.Structure = &st

	if v := checkStructure(category, rule, st); v != nil {
		return Decision{}, v
	}
	return decision, nil
}

// EnforceBatch evaluates every item and returns either all decisions or a
// *BatchError listing every rejection. Errors other than violations abort.
func (e *Enforcer) EnforceBatch(ctx context.Context, items []Item) ([]Decision, error) {
	decisions := make([]Decision, len(items))
	var violations []*Violation

	for i, it := range items {
		d, err := e.Enforce(ctx, it.Category, it.Size, it.Path)
		if err == nil {
			decisions[i] = d
			continue
		}
		var v *Violation
		if !errors.As(err, &v) {
			return nil, err
		}
		v.Index = it.Index
		v.Filename = it.Filename
		violations = append(violations, v)
	}

	if len(violations) > 0 {
		return nil, &BatchError{Violations: violations}
	}
	return decisions, nil
}

// structuralKinds lists the structural checks the rule enables for category.
func structuralKinds(category classify.Category, rule Rule) []string {
	var kinds []string
	switch category {
	case classify.Image:
		if rule.MaxWidth > 0 {
			kinds = append(kinds, KindWidth)
		}
		if rule.MaxHeight > 0 {
			kinds = append(kinds, KindHeight)
		}
	case classify.Document:
		if rule.MaxPages > 0 {
			kinds = append(kinds, KindPages)
		}
	case classify.Audio, classify.Video:
		if rule.MaxDurationSec > 0 {
			kinds = append(kinds, KindDuration)
		}
	case classify.Other, classify.Unknown:
	}
	return kinds
}

func checkStructure(category classify.Category, rule Rule, st Structure) *Violation {
	exceeded := func(kind string, observed, limit float64) *Violation {
		return &Violation{
			Code:     CodeStructuralLimit,
			Category: category,
			Kind:     kind,
			Observed: observed,
			Limit:    limit,
			Err:      ErrStructuralLimitExceeded,
		}
	}

	switch category {
	case classify.Image:
		if rule.MaxWidth > 0 && st.Width > rule.MaxWidth {
			return exceeded(KindWidth, float64(st.Width), float64(rule.MaxWidth))
		}
		if rule.MaxHeight > 0 && st.Height > rule.MaxHeight {
			return exceeded(KindHeight, float64(st.Height), float64(rule.MaxHeight))
		}
	case classify.Document:
		if rule.MaxPages > 0 && st.Pages > rule.MaxPages {
			return exceeded(KindPages, float64(st.Pages), float64(rule.MaxPages))
		}
	case classify.Audio, classify.Video:
		if rule.MaxDurationSec > 0 && st.DurationSec > rule.MaxDurationSec {
			return exceeded(KindDuration, st.DurationSec, rule.MaxDurationSec)
		}
	case classify.Other, classify.Unknown:
	}
	return nil
}
