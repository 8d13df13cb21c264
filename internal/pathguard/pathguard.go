// Package pathguard resolves user-supplied relative paths against a fixed root
// and rejects anything that would escape it.
//
// All functions are pure path arithmetic: nothing here touches the filesystem,
// so symlinks inside the root are the caller's concern.
package pathguard

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path resolves outside its root.
var ErrPathTraversal = errors.New("pathguard: path escapes storage root")

// ErrInvalidRoot is returned when the root is empty or not absolute.
var ErrInvalidRoot = errors.New("pathguard: root must be an absolute path")

// maxDecodeRounds bounds repeated percent-decoding of the input.
const maxDecodeRounds = 3

// TraversalError carries the rejected input for server-side logging.
// Its Error() text never includes the input so it can be surfaced to clients.
type TraversalError struct {
	Input  string
	Reason string
}

func (e *TraversalError) Error() string {
	return ErrPathTraversal.Error()
}

func (e *TraversalError) Unwrap() error {
	return ErrPathTraversal
}

// Resolve joins rel onto root and returns the absolute result.
// The result is either root itself or strictly nested under it; any input
// that would land elsewhere fails with a *TraversalError.
//
// Both '/' and '\' are treated as separators, percent-encoded dots and
// separators are decoded before the check, and leading separators are
// ignored so "/a/b" means "a/b" under root.
func Resolve(root, rel string) (string, error) {
	if root == "" || !filepath.IsAbs(root) {
		return "", ErrInvalidRoot
	}
	root = filepath.Clean(root)

	normalized, err := normalize(rel)
	if err != nil {
		return "", err
	}
	if normalized == "" {
		return root, nil
	}

	target := filepath.Join(root, filepath.FromSlash(normalized))
	if !Within(root, target) {
		return "", &TraversalError{Input: rel, Reason: "resolved outside root"}
	}
	return target, nil
}

// Within reports whether target equals root or is nested under it.
// It compares on a separator boundary so "/data/rootEVIL" is not within "/data/root".
func Within(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// Rel converts an absolute path under root back into its public form.
func Rel(root, abs string) (string, error) {
	if !Within(root, abs) {
		return "", &TraversalError{Input: abs, Reason: "not under root"}
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(abs))
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	return ToPublic(rel), nil
}

// ToPublic returns the posix form of a relative storage path: forward slashes,
// no leading slash, no "." segments.
func ToPublic(rel string) string {
	p := strings.ReplaceAll(rel, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// normalize turns rel into a slash-separated relative path with no parent
// segments. Parent segments are not clamped: any ".." that survives decoding
// is a traversal attempt and is rejected outright.
func normalize(rel string) (string, error) {
	decoded := rel
	for range maxDecodeRounds {
		next := decodeEscapes(decoded)
		if next == decoded {
			break
		}
		decoded = next
	}

	if strings.ContainsRune(decoded, 0) {
		return "", &TraversalError{Input: rel, Reason: "nul byte"}
	}

	p := strings.ReplaceAll(decoded, "\\", "/")
	// Windows drive and UNC prefixes are never meaningful under a root.
	if len(p) >= 2 && p[1] == ':' {
		return "", &TraversalError{Input: rel, Reason: "drive prefix"}
	}

	segments := strings.Split(p, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", &TraversalError{Input: rel, Reason: "parent segment"}
		}
		if strings.Trim(seg, ". ") == "" {
			// "...", ". ." and friends are parent references on some filesystems.
			return "", &TraversalError{Input: rel, Reason: "dot-only segment"}
		}
		clean = append(clean, seg)
	}
	return strings.Join(clean, "/"), nil
}

// decodeEscapes decodes the percent escapes relevant to traversal: dot,
// slash, backslash, percent and NUL. Other escapes are left untouched so
// legitimate names containing '%' survive.
func decodeEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	replacer := strings.NewReplacer(
		"%2e", ".", "%2E", ".",
		"%2f", "/", "%2F", "/",
		"%5c", "\\", "%5C", "\\",
		"%25", "%",
		"%00", "\x00",
		"%c0%af", "/", "%C0%AF", "/",
		"%c1%9c", "\\", "%C1%9C", "\\",
	)
	return replacer.Replace(s)
}
