// Package classify determines what an uploaded file actually is by
// inspecting its bytes. Client-declared MIME types and extensions are only
// consulted to break ties between categories that share a container format.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of storage categories.
type Category int

const (
	// Unknown means no configured rule matched the content. Callers reject it.
	Unknown Category = iota
	// Image covers raster and vector pictures.
	Image
	// Video covers moving pictures with or without audio.
	Video
	// Audio covers sound-only media.
	Audio
	// Document covers PDFs, office files and plain text.
	Document
	// Other covers anything accepted by the catch-all rule (archives, data files).
	Other
)

// ErrUnknownCategory is returned by ParseCategory for unrecognised names.
var ErrUnknownCategory = errors.New("classify: unknown category")

// Known lists every category except Unknown, in tie-break order.
var Known = []Category{Image, Video, Audio, Document, Other}

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case Image:
		return "image"
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Document:
		return "document"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory maps a wire name back to its Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image":
		return Image, nil
	case "video":
		return Video, nil
	case "audio":
		return Audio, nil
	case "document":
		return Document, nil
	case "other":
		return Other, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}
