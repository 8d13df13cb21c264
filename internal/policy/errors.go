package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maauso/mediastore/internal/classify"
)

// Static errors for policy decisions.
var (
	// ErrUnsupportedCategory is returned when no enabled rule covers the category.
	ErrUnsupportedCategory = errors.New("policy: unsupported category")
	// ErrTooLarge is returned when a file exceeds its category's size limit.
	ErrTooLarge = errors.New("policy: file too large")
	// ErrStructuralLimitExceeded is returned when dimensions, pages or duration exceed the rule.
	ErrStructuralLimitExceeded = errors.New("policy: structural limit exceeded")
	// ErrStructureUnreadable is returned when a supported structural probe fails.
	ErrStructureUnreadable = errors.New("policy: structure unreadable")
	// ErrCheckUnavailable is returned by a probe that supports the category
	// but not the concrete format. The check is recorded as skipped.
	ErrCheckUnavailable = errors.New("policy: structural check unavailable")
)

// Code is the machine-readable reason of a rejection.
type Code string

// Rejection codes.
const (
	CodeUnsupportedCategory Code = "UNSUPPORTED_CATEGORY"
	CodeTooLarge            Code = "TOO_LARGE"
	CodeStructuralLimit     Code = "STRUCTURAL_LIMIT_EXCEEDED"
	CodeStructureUnreadable Code = "STRUCTURE_UNREADABLE"
)

// Structural check kinds.
const (
	KindWidth    = "width"
	KindHeight   = "height"
	KindPages    = "pages"
	KindDuration = "duration"
)

// Violation describes why one file was rejected.
type Violation struct {
	// Index is the position of the file in its batch.
	Index    int               `json:"index"`
	Filename string            `json:"filename,omitempty"`
	Code     Code              `json:"code"`
	Category classify.Category `json:"category"`
	// Kind names the structural check for CodeStructuralLimit.
	Kind     string  `json:"kind,omitempty"`
	Observed float64 `json:"observed,omitempty"`
	Limit    float64 `json:"limit,omitempty"`
	Err      error   `json:"-"`
}

func (v *Violation) Error() string {
	switch v.Code {
	case CodeTooLarge:
		return fmt.Sprintf("%v: %s is %.0f bytes, limit %.0f", v.Err, v.Category, v.Observed, v.Limit)
	case CodeStructuralLimit:
		return fmt.Sprintf("%v: %s %s is %g, limit %g", v.Err, v.Category, v.Kind, v.Observed, v.Limit)
	default:
		return fmt.Sprintf("%v: %s", v.Err, v.Category)
	}
}

func (v *Violation) Unwrap() error {
	return v.Err
}

// BatchError carries every rejection of a batch. A batch with a single
// violation is still rejected as a whole.
type BatchError struct {
	Violations []*Violation
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("file %d: %v", v.Index, v))
	}
	return fmt.Sprintf("policy: %d file(s) rejected: %s", len(e.Violations), strings.Join(parts, "; "))
}

// Unwrap exposes each violation so errors.Is matches any of their sentinels.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Violations))
	for _, v := range e.Violations {
		errs = append(errs, v)
	}
	return errs
}
