package classify

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTable struct {
	mimes map[Category][]string
	exts  map[Category][]string
}

func (s stubTable) AcceptsMIME(c Category, m string) bool {
	return Contains(s.mimes[c], m)
}

func (s stubTable) AcceptsExtension(c Category, ext string) bool {
	return slices.Contains(s.exts[c], ext)
}

func newStubTable() stubTable {
	return stubTable{
		mimes: map[Category][]string{
			Image:    {"image/*"},
			Video:    {"video/mp4", "video/webm"},
			Audio:    {"audio/mpeg", "audio/webm"},
			Document: {"application/pdf", "text/plain"},
		},
		exts: map[Category][]string{
			Image: {".png"},
			Video: {".webm", ".mp4"},
			Audio: {".weba", ".mp3"},
		},
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// webmBytes is the smallest EBML header carrying a "webm" doctype.
func webmBytes() []byte {
	header := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm'}
	return append(header, make([]byte, 64)...)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestClassify_ContentWinsOverHints(t *testing.T) {
	c := NewClassifier(newStubTable())
	path := writeFile(t, "evil.txt", pngBytes(t))

	res, err := c.Classify(context.Background(), path, Hint{DeclaredMIME: "text/plain", Filename: "evil.txt"})

	require.NoError(t, err)
	assert.Equal(t, Image, res.Category)
	assert.Equal(t, "image/png", res.MIME)
	assert.Equal(t, ".png", res.Extension)
	assert.False(t, res.Ambiguous)
}

func TestClassify_SharedContainerTieBreak(t *testing.T) {
	c := NewClassifier(newStubTable())

	tests := []struct {
		name string
		hint Hint
		want Category
	}{
		{name: "declared audio", hint: Hint{DeclaredMIME: "audio/webm"}, want: Audio},
		{name: "declared video", hint: Hint{DeclaredMIME: "video/webm; codecs=vp9"}, want: Video},
		{name: "extension decides", hint: Hint{Filename: "voice.weba"}, want: Audio},
		{name: "declared wins over extension", hint: Hint{DeclaredMIME: "video/webm", Filename: "voice.weba"}, want: Video},
		{name: "no hint uses default order", hint: Hint{}, want: Video},
		{name: "unrelated hint ignored", hint: Hint{DeclaredMIME: "image/png", Filename: "x.png"}, want: Video},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.ClassifyReader(bytes.NewReader(webmBytes()), tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Category)
			assert.True(t, res.Ambiguous)
		})
	}
}

func TestClassify_Unknown(t *testing.T) {
	c := NewClassifier(newStubTable())

	tests := []struct {
		name string
		data []byte
		hint Hint
	}{
		{
			name: "opaque binary declared as image",
			data: bytes.Repeat([]byte{0x00, 0xff, 0x13, 0x37}, 64),
			hint: Hint{DeclaredMIME: "image/png", Filename: "a.png"},
		},
		{
			name: "html does not inherit text acceptance",
			data: []byte("<!DOCTYPE html><html><body><script>alert(1)</script></body></html>"),
			hint: Hint{DeclaredMIME: "text/plain", Filename: "notes.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.ClassifyReader(bytes.NewReader(tt.data), tt.hint)
			require.NoError(t, err)
			assert.Equal(t, Unknown, res.Category)
		})
	}
}

func TestClassify_PlainText(t *testing.T) {
	c := NewClassifier(newStubTable())

	res, err := c.ClassifyReader(bytes.NewBufferString("chapter one\nit was a dark night\n"), Hint{})

	require.NoError(t, err)
	assert.Equal(t, Document, res.Category)
	assert.Equal(t, "text/plain", res.MIME)
}

func TestClassify_CancelledContext(t *testing.T) {
	c := NewClassifier(newStubTable())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Classify(ctx, writeFile(t, "a.png", pngBytes(t)), Hint{})

	require.ErrorIs(t, err, context.Canceled)
}

func TestClassify_MissingFile(t *testing.T) {
	c := NewClassifier(newStubTable())

	_, err := c.Classify(context.Background(), filepath.Join(t.TempDir(), "nope"), Hint{})

	require.Error(t, err)
}

func TestContains(t *testing.T) {
	list := []string{"image/*", "application/pdf"}

	assert.True(t, Contains(list, "image/png"))
	assert.True(t, Contains(list, "Application/PDF"))
	assert.True(t, Contains(list, "application/pdf; version=1.7"))
	assert.False(t, Contains(list, "imagex/png"))
	assert.False(t, Contains(list, ""))
	assert.False(t, Contains(nil, "image/png"))
}

func TestCategory_Text(t *testing.T) {
	for _, c := range append([]Category{Unknown}, Known...) {
		text, err := c.MarshalText()
		require.NoError(t, err)

		var back Category
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, c, back)
	}

	_, err := ParseCategory("spreadsheet")
	require.ErrorIs(t, err, ErrUnknownCategory)
}
