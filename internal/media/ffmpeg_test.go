package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// skipIfNoFFmpeg skips the test if ffmpeg or ffprobe is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH, skipping test")
	}
}

// createTestImage creates a simple test image using ffmpeg.
func createTestImage(t *testing.T, path string, width, height int) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=red:s=%dx%d:d=1", width, height),
		"-frames:v", "1",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test image: %v\noutput: %s", err, output)
	}
}

// createTestAudio creates a silent audio file using ffmpeg.
func createTestAudio(t *testing.T, path string, duration float64) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=44100:cl=mono:d=%.1f", duration),
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test audio: %v\noutput: %s", err, output)
	}
}

func TestNewFFmpegProcessor(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		p := NewFFmpegProcessor("")
		if p.ffmpegPath != "ffmpeg" {
			t.Errorf("expected default path 'ffmpeg', got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "ffprobe" {
			t.Errorf("expected default ffprobe path, got %q", p.ffprobePath)
		}
	})

	t.Run("custom paths", func(t *testing.T) {
		p := NewFFmpegProcessor("/usr/local/bin/ffmpeg", WithFFprobePath("/opt/ffprobe"))
		if p.ffmpegPath != "/usr/local/bin/ffmpeg" {
			t.Errorf("expected custom path, got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "/opt/ffprobe" {
			t.Errorf("expected custom ffprobe path, got %q", p.ffprobePath)
		}
	})

	t.Run("missing ffprobe", func(t *testing.T) {
		p := NewFFmpegProcessor("", WithFFprobePath(filepath.Join(t.TempDir(), "no-such-ffprobe")))
		if p.HasFFprobe() {
			t.Error("expected HasFFprobe to be false")
		}
		_, err := p.GetMediaDuration(context.Background(), "x.mp3")
		if !errors.Is(err, ErrFFprobeUnavailable) {
			t.Errorf("expected ErrFFprobeUnavailable, got %v", err)
		}
	})
}

func TestResizeImageWithPadding(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p := NewFFmpegProcessor("")

	t.Run("resize landscape to square with padding", func(t *testing.T) {
		src := filepath.Join(tmpDir, "landscape.png")
		dst := filepath.Join(tmpDir, "resized_square.png")

		createTestImage(t, src, 100, 50)

		err := p.ResizeImageWithPadding(context.Background(), src, dst, 64, 64)
		if err != nil {
			t.Fatalf("ResizeImageWithPadding failed: %v", err)
		}

		verifyImageDimensions(t, dst, 64, 64)
	})

	t.Run("invalid dimensions", func(t *testing.T) {
		tests := []struct {
			w, h int
		}{
			{0, 100},
			{100, 0},
			{-1, 100},
		}

		for _, tc := range tests {
			err := p.ResizeImageWithPadding(context.Background(), "in.png", "out.png", tc.w, tc.h)
			if !errors.Is(err, ErrInvalidDimensions) {
				t.Errorf("expected ErrInvalidDimensions for w=%d h=%d, got %v", tc.w, tc.h, err)
			}
		}
	})

	t.Run("non-existent source", func(t *testing.T) {
		err := p.ResizeImageWithPadding(context.Background(), "/nonexistent/image.png", filepath.Join(tmpDir, "out.png"), 64, 64)
		var ffErr *FFmpegError
		if !errors.As(err, &ffErr) {
			t.Errorf("expected FFmpegError, got %T", err)
		}
	})

	t.Run("context timeout", func(t *testing.T) {
		src := filepath.Join(tmpDir, "timeout_src.png")
		createTestImage(t, src, 100, 100)

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-1*time.Second))
		defer cancel()

		err := p.ResizeImageWithPadding(ctx, src, filepath.Join(tmpDir, "timeout_dst.png"), 64, 64)
		if err == nil {
			t.Error("expected error for timed out context, got nil")
		}
	})
}

func TestFitImage(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p := NewFFmpegProcessor("")

	t.Run("scales down keeping aspect ratio", func(t *testing.T) {
		src := filepath.Join(tmpDir, "big.png")
		dst := filepath.Join(tmpDir, "big.jpg")
		createTestImage(t, src, 400, 200)

		if err := p.FitImage(context.Background(), src, dst, 100, 100); err != nil {
			t.Fatalf("FitImage failed: %v", err)
		}

		verifyImageDimensions(t, dst, 100, 50)
	})

	t.Run("small image keeps size", func(t *testing.T) {
		src := filepath.Join(tmpDir, "small.png")
		dst := filepath.Join(tmpDir, "small.jpg")
		createTestImage(t, src, 40, 30)

		if err := p.FitImage(context.Background(), src, dst, 100, 100); err != nil {
			t.Fatalf("FitImage failed: %v", err)
		}

		verifyImageDimensions(t, dst, 40, 30)
	})
}

func TestGetMediaDuration(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := filepath.Join(t.TempDir(), "silence.wav")
	createTestAudio(t, path, 2)

	p := NewFFmpegProcessor("")
	d, err := p.GetMediaDuration(context.Background(), path)
	if err != nil {
		t.Fatalf("GetMediaDuration failed: %v", err)
	}
	if d < 1.9 || d > 2.1 {
		t.Errorf("expected duration around 2s, got %f", d)
	}

	_, err = p.GetMediaDuration(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if !errors.Is(err, ErrFFprobeExecution) {
		t.Errorf("expected ErrFFprobeExecution, got %v", err)
	}
}

func TestGetImageDimensions(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := filepath.Join(t.TempDir(), "pic.png")
	createTestImage(t, path, 33, 21)

	w, h, err := NewFFmpegProcessor("").GetImageDimensions(context.Background(), path)
	if err != nil {
		t.Fatalf("GetImageDimensions failed: %v", err)
	}
	if w != 33 || h != 21 {
		t.Errorf("expected 33x21, got %dx%d", w, h)
	}
}

func TestFFmpegError(t *testing.T) {
	err := &FFmpegError{
		Args:   []string{"-i", "input.png", "output.webp"},
		Stderr: "Error opening input file",
		Err:    fmt.Errorf("exit status 1"),
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "exit status 1") {
		t.Error("Error() should contain underlying error")
	}
	if !strings.Contains(errStr, "Error opening input file") {
		t.Error("Error() should contain stderr")
	}

	unwrapped := err.Unwrap()
	if unwrapped == nil || unwrapped.Error() != "exit status 1" {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
}

// Helper functions

func verifyImageDimensions(t *testing.T, path string, expectedW, expectedH int) {
	t.Helper()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("output file was not created: %v", err)
	}

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("ffprobe failed: %v", err)
	}

	var w, h int
	n, err := fmt.Sscanf(string(output), "%dx%d", &w, &h)
	if err != nil || n != 2 {
		t.Fatalf("failed to parse dimensions from ffprobe output: %s", output)
	}

	if w != expectedW || h != expectedH {
		t.Errorf("expected dimensions %dx%d, got %dx%d", expectedW, expectedH, w, h)
	}
}
