package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // DecodeConfig
	_ "image/jpeg" // DecodeConfig
	_ "image/png"  // DecodeConfig
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"  // DecodeConfig
	_ "golang.org/x/image/tiff" // DecodeConfig
	_ "golang.org/x/image/webp" // DecodeConfig

	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/policy"
)

// Prober implements policy.Capabilities. Image headers (png, jpeg, gif,
// webp, bmp, tiff) are decoded in process, PDF page trees are counted with
// pdfcpu, and durations (plus image formats without a registered decoder)
// go through ffprobe when present.
type Prober struct {
	ffmpeg Processor
	// hasFFprobe is evaluated once at construction.
	hasFFprobe bool
	logger     *slog.Logger
}

var _ policy.Capabilities = (*Prober)(nil)

// NewProber creates a Prober. A nil processor or a missing ffprobe binary
// disables duration checks.
func NewProber(p *FFmpegProcessor, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	pr := &Prober{logger: logger}
	if p != nil {
		pr.ffmpeg = p
		pr.hasFFprobe = p.HasFFprobe()
	}
	if !pr.hasFFprobe {
		logger.Warn("ffprobe not found, duration checks will be skipped")
	}
	return pr
}

// SupportsStructuralCheck implements policy.Capabilities.
func (p *Prober) SupportsStructuralCheck(c classify.Category) bool {
	switch c {
	case classify.Image, classify.Document:
		return true
	case classify.Audio, classify.Video:
		return p.hasFFprobe
	case classify.Other, classify.Unknown:
		return false
	}
	return false
}

// Probe implements policy.Capabilities.
func (p *Prober) Probe(ctx context.Context, c classify.Category, path string) (policy.Structure, error) {
	switch c {
	case classify.Image:
		return p.probeImage(ctx, path)
	case classify.Document:
		return probeDocument(path)
	case classify.Audio, classify.Video:
		if !p.hasFFprobe {
			return policy.Structure{}, fmt.Errorf("%w: %w", policy.ErrCheckUnavailable, ErrFFprobeUnavailable)
		}
		d, err := p.ffmpeg.GetMediaDuration(ctx, path)
		if err != nil {
			return policy.Structure{}, fmt.Errorf("get media duration: %w", err)
		}
		return policy.Structure{DurationSec: d}, nil
	case classify.Other, classify.Unknown:
	}
	return policy.Structure{}, fmt.Errorf("%w: %s", policy.ErrCheckUnavailable, c)
}

func (p *Prober) probeImage(ctx context.Context, path string) (policy.Structure, error) {
	w, h, err := decodeImageConfig(path)
	if err == nil {
		return policy.Structure{Width: w, Height: h}, nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return policy.Structure{}, err
	}

	if !p.hasFFprobe {
		return policy.Structure{}, fmt.Errorf("%w: image format has no decoder", policy.ErrCheckUnavailable)
	}
	w, h, err = p.ffmpeg.GetImageDimensions(ctx, path)
	if err != nil {
		return policy.Structure{}, fmt.Errorf("get image dimensions: %w", err)
	}
	return policy.Structure{Width: w, Height: h}, nil
}

func decodeImageConfig(path string) (int, int, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the staging area
	if err != nil {
		return 0, 0, fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
