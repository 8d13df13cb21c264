// Package policy holds the per-category rule table and the enforcer that
// accepts or rejects classified files against it.
package policy

import (
	"slices"
	"strings"

	"github.com/maauso/mediastore/internal/classify"
)

// Rule is the static policy of one category. A zero MaxSize disables the
// category. Zero structural limits mean "no limit".
type Rule struct {
	// MIMETypes lists accepted detected types; "type/*" wildcards are allowed.
	MIMETypes []string
	// Extensions lists accepted extensions (with dot). They only break ties
	// between categories, never override content detection.
	Extensions []string
	// MaxSize is the largest accepted file in bytes.
	MaxSize int64
	// MaxWidth and MaxHeight bound image pixel dimensions.
	MaxWidth  int
	MaxHeight int
	// MaxPages bounds document page count.
	MaxPages int
	// MaxDurationSec bounds audio/video duration.
	MaxDurationSec float64
}

// Enabled reports whether the category accepts anything at all.
func (r Rule) Enabled() bool {
	return r.MaxSize > 0
}

// Rules is the complete table, one field per category.
type Rules struct {
	Image    Rule
	Video    Rule
	Audio    Rule
	Document Rule
	Other    Rule
}

// Compile-time check that Rules can drive the classifier.
var _ classify.Table = Rules{}

// For returns the rule for c. The boolean is false for Unknown and for
// disabled categories.
func (r Rules) For(c classify.Category) (Rule, bool) {
	var rule Rule
	switch c {
	case classify.Image:
		rule = r.Image
	case classify.Video:
		rule = r.Video
	case classify.Audio:
		rule = r.Audio
	case classify.Document:
		rule = r.Document
	case classify.Other:
		rule = r.Other
	case classify.Unknown:
		return Rule{}, false
	default:
		return Rule{}, false
	}
	return rule, rule.Enabled()
}

// AcceptsMIME implements classify.Table.
func (r Rules) AcceptsMIME(c classify.Category, mimeType string) bool {
	rule, ok := r.For(c)
	return ok && classify.Contains(rule.MIMETypes, mimeType)
}

// AcceptsExtension implements classify.Table.
func (r Rules) AcceptsExtension(c classify.Category, ext string) bool {
	rule, ok := r.For(c)
	if !ok {
		return false
	}
	ext = strings.ToLower(ext)
	return slices.ContainsFunc(rule.Extensions, func(e string) bool {
		return strings.ToLower(e) == ext
	})
}

// MaxSize returns the largest size any enabled category accepts.
func (r Rules) MaxSize() int64 {
	var maxSize int64
	for _, c := range classify.Known {
		if rule, ok := r.For(c); ok && rule.MaxSize > maxSize {
			maxSize = rule.MaxSize
		}
	}
	return maxSize
}

const mb = 1 << 20

// DefaultRules returns the rule table used when configuration does not
// override it.
func DefaultRules() Rules {
	return Rules{
		Image: Rule{
			MIMETypes: []string{
				"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp",
				"image/tiff", "image/avif", "image/heic", "image/heif",
			},
			Extensions: []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff", ".avif", ".heic", ".heif"},
			MaxSize:    5 * mb,
			MaxWidth:   8000,
			MaxHeight:  8000,
		},
		Video: Rule{
			MIMETypes: []string{
				"video/mp4", "video/webm", "video/quicktime", "video/x-matroska",
				"video/mpeg", "video/ogg", "video/x-msvideo", "video/3gpp",
			},
			Extensions:     []string{".mp4", ".webm", ".mov", ".mkv", ".mpeg", ".mpg", ".ogv", ".avi", ".3gp"},
			MaxSize:        500 * mb,
			MaxDurationSec: 3600,
		},
		Audio: Rule{
			MIMETypes: []string{
				"audio/mpeg", "audio/wav", "audio/x-wav", "audio/ogg", "audio/webm", "audio/aac",
				"audio/mp4", "audio/x-m4a", "audio/flac", "audio/x-flac", "audio/amr", "audio/3gpp",
			},
			Extensions:     []string{".mp3", ".wav", ".ogg", ".oga", ".opus", ".weba", ".aac", ".m4a", ".flac", ".amr"},
			MaxSize:        100 * mb,
			MaxDurationSec: 3 * 3600,
		},
		Document: Rule{
			MIMETypes: []string{
				"application/pdf",
				"text/plain",
				"text/markdown",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
				"application/vnd.ms-powerpoint",
				"application/vnd.openxmlformats-officedocument.presentationml.presentation",
				"application/epub+zip",
			},
			Extensions: []string{".pdf", ".txt", ".md", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".epub"},
			MaxSize:    50 * mb,
			MaxPages:   2000,
		},
		Other: Rule{
			MIMETypes:  []string{"application/zip", "application/gzip", "application/x-tar", "application/json", "text/csv"},
			Extensions: []string{".zip", ".gz", ".tgz", ".tar", ".json", ".csv"},
			MaxSize:    100 * mb,
		},
	}
}
