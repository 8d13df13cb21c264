package media

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/mediastore/internal/classify"
)

// imageOutputs are the extensions ffmpeg can encode still images to.
var imageOutputs = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ImageHook converts committed images to the format named by the final
// filename's extension and bounds their size. Everything else passes
// through untouched.
type ImageHook struct {
	proc      Processor
	maxWidth  int
	maxHeight int
	pad       bool
	logger    *slog.Logger
}

var _ Hook = (*ImageHook)(nil)

// ImageHookOption configures an ImageHook.
type ImageHookOption func(*ImageHook)

// WithPadding makes every image exactly maxWidth x maxHeight, letterboxed
// in black, e.g. for uniform thumbnails.
func WithPadding() ImageHookOption {
	return func(h *ImageHook) {
		h.pad = true
	}
}

// NewImageHook creates an ImageHook. maxWidth and maxHeight bound the output.
func NewImageHook(proc Processor, maxWidth, maxHeight int, logger *slog.Logger, opts ...ImageHookOption) *ImageHook {
	if logger == nil {
		logger = slog.Default()
	}
	h := &ImageHook{proc: proc, maxWidth: maxWidth, maxHeight: maxHeight, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Process implements Hook.
func (h *ImageHook) Process(ctx context.Context, in HookInput) (*HookResult, error) {
	if in.Category != classify.Image {
		return nil, nil
	}

	want := strings.ToLower(filepath.Ext(in.Filename))
	if !imageOutputs[want] {
		return nil, nil
	}

	if h.pad {
		if err := h.proc.ResizeImageWithPadding(ctx, in.Source, in.Dest, h.maxWidth, h.maxHeight); err != nil {
			return nil, fmt.Errorf("pad image: %w", err)
		}
	} else {
		if sameFormat(in.MIME, want) && h.withinBounds(in.Source) {
			return nil, nil
		}
		if err := h.proc.FitImage(ctx, in.Source, in.Dest, h.maxWidth, h.maxHeight); err != nil {
			return nil, fmt.Errorf("fit image: %w", err)
		}
	}

	detected, err := mimetype.DetectFile(in.Dest)
	if err != nil {
		return nil, fmt.Errorf("detect output type: %w", err)
	}

	res := &HookResult{MIME: detected.String()}
	if w, hgt, err := decodeImageConfig(in.Dest); err == nil {
		res.Width, res.Height = w, hgt
	} else if w, hgt, err := h.proc.GetImageDimensions(ctx, in.Dest); err == nil {
		res.Width, res.Height = w, hgt
	}

	h.logger.Debug("image transformed",
		slog.String("filename", in.Filename),
		slog.String("from", in.MIME),
		slog.String("to", res.MIME),
	)
	return res, nil
}

func (h *ImageHook) withinBounds(path string) bool {
	w, hgt, err := decodeImageConfig(path)
	if err != nil {
		// Unknown size: let ffmpeg normalise it.
		return false
	}
	return w <= h.maxWidth && hgt <= h.maxHeight
}

func sameFormat(mimeType, ext string) bool {
	m := mimetype.Lookup(mimeType)
	if m == nil {
		return false
	}
	if m.Extension() == ext {
		return true
	}
	return (ext == ".jpeg" && m.Extension() == ".jpg") || (ext == ".tif" && m.Extension() == ".tiff")
}
