package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/mediastore/internal/classify"
)

// MockCapabilities is a mock implementation of Capabilities.
type MockCapabilities struct {
	mock.Mock
}

func (m *MockCapabilities) SupportsStructuralCheck(c classify.Category) bool {
	args := m.Called(c)
	return args.Bool(0)
}

func (m *MockCapabilities) Probe(ctx context.Context, c classify.Category, path string) (Structure, error) {
	args := m.Called(ctx, c, path)
	return args.Get(0).(Structure), args.Error(1)
}

func testRules() Rules {
	return Rules{
		Image:    Rule{MIMETypes: []string{"image/*"}, MaxSize: 5 << 20, MaxWidth: 1000, MaxHeight: 800},
		Video:    Rule{MIMETypes: []string{"video/mp4"}, MaxSize: 50 << 20, MaxDurationSec: 60},
		Document: Rule{MIMETypes: []string{"application/pdf"}, MaxSize: 1 << 20, MaxPages: 10},
		Other:    Rule{MIMETypes: []string{"application/zip"}, MaxSize: 1 << 20},
	}
}

func TestRules_For(t *testing.T) {
	rules := testRules()

	_, ok := rules.For(classify.Audio)
	assert.False(t, ok, "zero MaxSize disables the category")

	_, ok = rules.For(classify.Unknown)
	assert.False(t, ok)

	rule, ok := rules.For(classify.Image)
	require.True(t, ok)
	assert.Equal(t, 1000, rule.MaxWidth)

	assert.Equal(t, int64(50<<20), rules.MaxSize())
	assert.True(t, rules.AcceptsMIME(classify.Image, "image/png"))
	assert.False(t, rules.AcceptsMIME(classify.Audio, "audio/mpeg"))
}

func TestEnforce_UnsupportedCategory(t *testing.T) {
	e := NewEnforcer(testRules(), nil)

	for _, c := range []classify.Category{classify.Unknown, classify.Audio} {
		_, err := e.Enforce(context.Background(), c, 10, "/tmp/x")

		require.ErrorIs(t, err, ErrUnsupportedCategory)
		var v *Violation
		require.ErrorAs(t, err, &v)
		assert.Equal(t, CodeUnsupportedCategory, v.Code)
	}
}

func TestEnforce_TooLargeBeforeProbe(t *testing.T) {
	caps := new(MockCapabilities)
	e := NewEnforcer(testRules(), caps)

	_, err := e.Enforce(context.Background(), classify.Image, 5<<20+1, "/tmp/x")

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, float64(5<<20+1), v.Observed)
	assert.Equal(t, float64(5<<20), v.Limit)
	caps.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnforce_StructuralLimits(t *testing.T) {
	tests := []struct {
		name     string
		category classify.Category
		st       Structure
		wantKind string
	}{
		{name: "image within", category: classify.Image, st: Structure{Width: 1000, Height: 800}},
		{name: "image too wide", category: classify.Image, st: Structure{Width: 1001, Height: 10}, wantKind: KindWidth},
		{name: "image too tall", category: classify.Image, st: Structure{Width: 10, Height: 801}, wantKind: KindHeight},
		{name: "document within", category: classify.Document, st: Structure{Pages: 10}},
		{name: "document too long", category: classify.Document, st: Structure{Pages: 11}, wantKind: KindPages},
		{name: "video within", category: classify.Video, st: Structure{DurationSec: 59.9}},
		{name: "video too long", category: classify.Video, st: Structure{DurationSec: 61}, wantKind: KindDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := new(MockCapabilities)
			caps.On("SupportsStructuralCheck", tt.category).Return(true)
			caps.On("Probe", mock.Anything, tt.category, "/tmp/f").Return(tt.st, nil)
			e := NewEnforcer(testRules(), caps)

			d, err := e.Enforce(context.Background(), tt.category, 100, "/tmp/f")

			if tt.wantKind == "" {
				require.NoError(t, err)
				require.NotNil(t, d.Structure)
				assert.Equal(t, tt.st, *d.Structure)
				assert.Empty(t, d.Skipped)
				return
			}
			var v *Violation
			require.ErrorAs(t, err, &v)
			assert.ErrorIs(t, err, ErrStructuralLimitExceeded)
			assert.Equal(t, tt.wantKind, v.Kind)
			assert.Equal(t, CodeStructuralLimit, v.Code)
			caps.AssertExpectations(t)
		})
	}
}

func TestEnforce_SkippedWhenUnsupported(t *testing.T) {
	caps := new(MockCapabilities)
	caps.On("SupportsStructuralCheck", classify.Image).Return(false)
	e := NewEnforcer(testRules(), caps)

	d, err := e.Enforce(context.Background(), classify.Image, 100, "/tmp/f")

	require.NoError(t, err)
	assert.Equal(t, []string{KindWidth, KindHeight}, d.Skipped)
	assert.Nil(t, d.Structure)
	caps.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnforce_NoStructuralRule(t *testing.T) {
	caps := new(MockCapabilities)
	e := NewEnforcer(testRules(), caps)

	d, err := e.Enforce(context.Background(), classify.Other, 100, "/tmp/f")

	require.NoError(t, err)
	assert.Empty(t, d.Skipped)
	caps.AssertNotCalled(t, "SupportsStructuralCheck", mock.Anything)
}

func TestEnforce_ProbeFailureRejects(t *testing.T) {
	caps := new(MockCapabilities)
	caps.On("SupportsStructuralCheck", classify.Document).Return(true)
	caps.On("Probe", mock.Anything, classify.Document, "/tmp/f").Return(Structure{}, errors.New("garbled xref"))
	e := NewEnforcer(testRules(), caps)

	_, err := e.Enforce(context.Background(), classify.Document, 100, "/tmp/f")

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.ErrorIs(t, err, ErrStructureUnreadable)
	assert.Equal(t, CodeStructureUnreadable, v.Code)
}

func TestEnforceBatch_CollectsEveryViolation(t *testing.T) {
	e := NewEnforcer(testRules(), NoCapabilities{})
	items := []Item{
		{Index: 0, Filename: "a.zip", Category: classify.Other, Size: 10},
		{Index: 1, Filename: "b.bin", Category: classify.Unknown, Size: 10},
		{Index: 2, Filename: "c.zip", Category: classify.Other, Size: 10},
		{Index: 3, Filename: "d.zip", Category: classify.Other, Size: 2 << 20},
	}

	decisions, err := e.EnforceBatch(context.Background(), items)

	assert.Nil(t, decisions)
	var batch *BatchError
	require.ErrorAs(t, err, &batch)
	require.Len(t, batch.Violations, 2)
	assert.Equal(t, 1, batch.Violations[0].Index)
	assert.Equal(t, "b.bin", batch.Violations[0].Filename)
	assert.Equal(t, CodeUnsupportedCategory, batch.Violations[0].Code)
	assert.Equal(t, 3, batch.Violations[1].Index)
	assert.Equal(t, CodeTooLarge, batch.Violations[1].Code)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrUnsupportedCategory)
}

func TestEnforceBatch_AllAccepted(t *testing.T) {
	e := NewEnforcer(testRules(), NoCapabilities{})

	decisions, err := e.EnforceBatch(context.Background(), []Item{
		{Index: 0, Category: classify.Other, Size: 1},
		{Index: 1, Category: classify.Image, Size: 1},
	})

	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, classify.Image, decisions[1].Category)
	assert.NotEmpty(t, decisions[1].Skipped)
}

func TestEnforce_ClassifiedForgeryUsesImagePolicy(t *testing.T) {
	rules := testRules()
	rules.Document.MaxSize = 1 << 30
	e := NewEnforcer(rules, NoCapabilities{})

	_, err := e.Enforce(context.Background(), classify.Image, 6<<20, "/tmp/evil.txt")

	require.ErrorIs(t, err, ErrTooLarge)
}

func TestEnforce_UnavailableFormatIsSkipped(t *testing.T) {
	caps := new(MockCapabilities)
	caps.On("SupportsStructuralCheck", classify.Document).Return(true)
	caps.On("Probe", mock.Anything, classify.Document, "/tmp/f.docx").
		Return(Structure{}, fmt.Errorf("%w: docx", ErrCheckUnavailable))
	e := NewEnforcer(testRules(), caps)

	d, err := e.Enforce(context.Background(), classify.Document, 100, "/tmp/f.docx")

	require.NoError(t, err)
	assert.Equal(t, []string{KindPages}, d.Skipped)
}
