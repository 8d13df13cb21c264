package classify

import (
	"context"
	"fmt"
	"io"
	"mime"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Table answers which MIME types and extensions a category accepts.
// policy.Rules implements it.
type Table interface {
	AcceptsMIME(c Category, mimeType string) bool
	AcceptsExtension(c Category, ext string) bool
}

// Hint carries client-declared metadata. It never selects a category on its
// own; it only picks between categories the content already matches.
type Hint struct {
	DeclaredMIME string
	Filename     string
}

// Result is the outcome of classifying one file.
type Result struct {
	Category Category `json:"category"`
	// MIME is the detected content type, never the declared one.
	MIME string `json:"mime"`
	// Extension is the canonical extension for the detected type, e.g. ".png".
	Extension string `json:"extension,omitempty"`
	// Ambiguous is set when more than one category matched and a hint or
	// the default order decided.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// sharedContainers maps container types that legitimately carry either audio
// or video to their sibling, so both categories become candidates.
var sharedContainers = map[string]string{
	"video/webm":  "audio/webm",
	"audio/webm":  "video/webm",
	"video/mp4":   "audio/mp4",
	"audio/mp4":   "video/mp4",
	"video/ogg":   "audio/ogg",
	"audio/ogg":   "video/ogg",
	"video/3gpp":  "audio/3gpp",
	"audio/3gpp":  "video/3gpp",
	"video/3gpp2": "audio/3gpp2",
	"audio/3gpp2": "video/3gpp2",
}

// Classifier sniffs file content against a rule table.
type Classifier struct {
	table Table
}

// NewClassifier creates a Classifier backed by the given table.
func NewClassifier(table Table) *Classifier {
	return &Classifier{table: table}
}

// Classify inspects the file at path.
func (c *Classifier) Classify(ctx context.Context, path string, hint Hint) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("detect content type: %w", err)
	}
	return c.resolve(detected, hint), nil
}

// ClassifyReader inspects the leading bytes of r.
func (c *Classifier) ClassifyReader(r io.Reader, hint Hint) (Result, error) {
	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("detect content type: %w", err)
	}
	return c.resolve(detected, hint), nil
}

func (c *Classifier) resolve(detected *mimetype.MIME, hint Hint) Result {
	res := Result{
		Category:  Unknown,
		MIME:      baseType(detected.String()),
		Extension: detected.Extension(),
	}

	candidates := c.candidates(detected)
	switch len(candidates) {
	case 0:
		return res
	case 1:
		res.Category = candidates[0]
		return res
	}

	res.Ambiguous = true
	res.Category = c.tieBreak(candidates, hint)
	return res
}

// activeContent types are only accepted when a rule names them explicitly;
// they never inherit acceptance from a parent such as text/plain.
var activeContent = map[string]bool{
	"text/html":                                     true,
	"text/javascript":                               true,
	"application/javascript":                        true,
	"application/x-sh":                              true,
	"text/x-shellscript":                            true,
	"text/x-php":                                    true,
	"application/x-msdownload":                      true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-elf":                             true,
	"application/x-mach-binary":                     true,
}

// candidates returns the categories accepting the most specific level of
// the detected type's hierarchy that any rule accepts.
func (c *Classifier) candidates(detected *mimetype.MIME) []Category {
	for m := detected; m != nil; m = m.Parent() {
		if m != detected && activeContent[baseType(detected.String())] {
			return nil
		}
		if m.Is("application/octet-stream") {
			return nil
		}
		names := []string{baseType(m.String())}
		if sibling, ok := sharedContainers[names[0]]; ok {
			names = append(names, sibling)
		}

		var out []Category
		for _, cat := range Known {
			for _, n := range names {
				if c.table.AcceptsMIME(cat, n) {
					out = append(out, cat)
					break
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func (c *Classifier) tieBreak(candidates []Category, hint Hint) Category {
	if declared := baseType(hint.DeclaredMIME); declared != "" {
		for _, cat := range candidates {
			if c.table.AcceptsMIME(cat, declared) {
				return cat
			}
		}
	}

	if ext := extensionOf(hint.Filename); ext != "" {
		for _, cat := range candidates {
			if c.table.AcceptsExtension(cat, ext) {
				return cat
			}
		}
	}

	return candidates[0]
}

// baseType strips parameters ("text/plain; charset=utf-8") and lower-cases.
func baseType(v string) string {
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	v, _, _ = strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(v))
}

func extensionOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i:])
}

// Contains reports whether list holds mimeType, honouring "type/*" wildcards.
func Contains(list []string, mimeType string) bool {
	mimeType = baseType(mimeType)
	if mimeType == "" {
		return false
	}
	return slices.ContainsFunc(list, func(allowed string) bool {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			return strings.HasPrefix(mimeType, prefix+"/")
		}
		return allowed == mimeType
	})
}
