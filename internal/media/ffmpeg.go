package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Static errors for media operations.
var (
	// ErrInvalidDimensions is returned when the provided dimensions are not positive.
	ErrInvalidDimensions = errors.New("invalid dimensions: width and height must be positive")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrFFprobeUnavailable is returned when no ffprobe binary can be found.
	ErrFFprobeUnavailable = errors.New("ffprobe not available")
	// ErrNoVideoStream is returned when ffprobe reports no usable video stream.
	ErrNoVideoStream = errors.New("no video stream")
)

// FFmpegProcessor implements Processor using the ffmpeg and ffprobe CLIs.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string

	lookOnce sync.Once
	hasProbe bool
}

// ProcessorOption configures an FFmpegProcessor.
type ProcessorOption func(*FFmpegProcessor)

// WithFFprobePath overrides the ffprobe binary.
func WithFFprobePath(path string) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...ProcessorOption) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: "ffprobe"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HasFFprobe reports whether the ffprobe binary resolves. The lookup runs once.
func (p *FFmpegProcessor) HasFFprobe() bool {
	p.lookOnce.Do(func() {
		_, err := exec.LookPath(p.ffprobePath)
		p.hasProbe = err == nil
	})
	return p.hasProbe
}

// ResizeImageWithPadding resizes an image to the specified dimensions while
// maintaining aspect ratio. Black padding is added to fill any remaining space.
func (p *FFmpegProcessor) ResizeImageWithPadding(ctx context.Context, src, dst string, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, w, h)
	}

	// FFmpeg filter to scale with aspect ratio preservation and add black padding
	// scale: scales to fit within w x h while maintaining aspect ratio
	// pad: adds black padding to center the image and reach exact dimensions
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h, w, h)

	args := []string{
		"-y",      // Overwrite output file without asking
		"-i", src, // Input file
		"-vf", filter, // Video filter
		"-frames:v", "1", // Output single frame (image)
		dst, // Output file
	}

	return p.runFFmpeg(ctx, args)
}

// FitImage converts src into dst, inferring the output format from dst's
// extension. Images larger than maxW x maxH are scaled down keeping their
// aspect ratio; smaller images keep their size.
func (p *FFmpegProcessor) FitImage(ctx context.Context, src, dst string, maxW, maxH int) error {
	if maxW <= 0 || maxH <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, maxW, maxH)
	}

	// min() keeps small images untouched; decrease preserves aspect ratio.
	filter := fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", maxW, maxH)

	args := []string{
		"-y",      // Overwrite output file without asking
		"-i", src, // Input file
		"-vf", filter, // Video filter
		"-frames:v", "1", // Output single frame (image)
		dst, // Output file; its extension picks the encoder
	}

	return p.runFFmpeg(ctx, args)
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// GetMediaDuration returns the duration in seconds of a media file.
func (p *FFmpegProcessor) GetMediaDuration(ctx context.Context, path string) (float64, error) {
	out, err := p.runFFprobe(ctx,
		"-show_entries", "format=duration", // Container duration only
		"-of", "default=noprint_wrappers=1:nokey=1", // Bare value
		path,
	)
	if err != nil {
		return 0, err
	}

	var duration float64
	_, err = fmt.Sscanf(strings.TrimSpace(out), "%f", &duration)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}

	return duration, nil
}

// GetImageDimensions returns the pixel size of the first video stream, which
// for still images is the picture itself.
func (p *FFmpegProcessor) GetImageDimensions(ctx context.Context, path string) (int, int, error) {
	out, err := p.runFFprobe(ctx,
		"-select_streams", "v:0", // First video stream
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0", // Prints "WxH"
		path,
	)
	if err != nil {
		return 0, 0, err
	}

	// Some containers print one line per frame group; the first one is enough.
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	ws, hs, ok := strings.Cut(strings.TrimSpace(line), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoVideoStream, line)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("parse width: %w", err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, fmt.Errorf("parse height: %w", err)
	}
	return w, h, nil
}

func (p *FFmpegProcessor) runFFprobe(ctx context.Context, args ...string) (string, error) {
	if !p.HasFFprobe() {
		return "", ErrFFprobeUnavailable
	}

	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath, append([]string{"-v", "error"}, args...)...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return stdout.String(), nil
}
