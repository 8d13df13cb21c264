// Package media provides structural probing of uploaded media and the
// optional post-processing hook run at commit time.
package media

import (
	"context"

	"github.com/maauso/mediastore/internal/classify"
)

// Processor defines the image and media operations backed by ffmpeg.
type Processor interface {
	// ResizeImageWithPadding resizes an image to exactly w x h, keeping the
	// aspect ratio and filling the remainder with black.
	ResizeImageWithPadding(ctx context.Context, src, dst string, w, h int) error

	// FitImage re-encodes src into dst (format from dst's extension), scaling
	// down to fit within maxW x maxH.
	FitImage(ctx context.Context, src, dst string, maxW, maxH int) error

	// GetMediaDuration returns the duration in seconds of an audio or video file.
	GetMediaDuration(ctx context.Context, path string) (float64, error)

	// GetImageDimensions returns the pixel size of an image or video.
	GetImageDimensions(ctx context.Context, path string) (int, int, error)
}

// HookInput is what a commit passes to a processing hook.
type HookInput struct {
	// Source is the validated staged file. Hooks must not modify it.
	Source string
	// Dest is where the hook writes its output, if it produces one.
	Dest string
	// Filename is the sanitized final name; its extension is the requested format.
	Filename string
	Category classify.Category
	MIME     string
}

// HookResult describes a transformed file. A nil result means "no transform,
// use the raw bytes".
type HookResult struct {
	MIME     string            `json:"mime,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hook transforms a staged file before it is committed. Any error makes the
// commit fall back to a raw copy.
type Hook interface {
	Process(ctx context.Context, in HookInput) (*HookResult, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, in HookInput) (*HookResult, error)

// Process implements Hook.
func (f HookFunc) Process(ctx context.Context, in HookInput) (*HookResult, error) {
	return f(ctx, in)
}
