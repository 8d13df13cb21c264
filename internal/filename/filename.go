// Package filename turns client-supplied names into filesystem-safe tokens
// and mints synthetic names whose uniqueness does not depend on client input.
package filename

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength is the upper bound, in bytes, of every name produced here.
const MaxLength = 200

// Fallback is used when nothing usable survives sanitization.
const Fallback = "file"

// uniqueRandomBytes is the entropy of a generated name. 64 bits keeps the
// birthday bound below 1e-17 for names minted in the same millisecond even
// at tens of thousands of uploads per second.
const uniqueRandomBytes = 8

// maxExtensionLength caps how much of a suffix is treated as an extension
// when truncating.
const maxExtensionLength = 16

// Sanitize strips directory components, folds accents to their base letter,
// joins whitespace runs with '_', drops every byte outside [a-zA-Z0-9-_.]
// and bounds the result to MaxLength.
// It is idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	name = fold(baseName(name))

	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range name {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		}
		inSpace = false
		if allowed(r) {
			b.WriteRune(r)
		}
	}

	out := trim(b.String())
	if len(out) > MaxLength {
		out = trim(truncate(out, MaxLength))
	}
	if out == "" {
		return Fallback
	}
	return out
}

// Extension returns the lower-cased extension of a sanitized name, including the dot.
func Extension(name string) string {
	ext := extension(Sanitize(name))
	return strings.ToLower(ext)
}

// GenerateUnique returns "<unix-millis>-<16 hex>-<sanitized original>".
// The original only contributes readability; uniqueness comes from the
// timestamp and the random component.
func GenerateUnique(original string) string {
	random := make([]byte, uniqueRandomBytes)
	if _, err := rand.Read(random); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("filename: read random bytes: %v", err))
	}
	prefix := fmt.Sprintf("%d-%s-", time.Now().UnixMilli(), hex.EncodeToString(random))

	suffix := Sanitize(original)
	if original == "" {
		suffix = Fallback
	}
	if room := MaxLength - len(prefix); len(suffix) > room {
		suffix = trim(truncate(suffix, room))
		if suffix == "" {
			suffix = Fallback[:min(len(Fallback), room)]
		}
	}
	return prefix + suffix
}

// NewToken returns a url-safe random token built from nbytes of entropy.
func NewToken(nbytes int) (string, error) {
	if nbytes <= 0 {
		nbytes = 32
	}
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// fold decomposes the name and removes combining marks, so "é" becomes "e".
func fold(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, name)
	if err != nil {
		return name
	}
	return out
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}

// trim removes leading '_' and '.', and trailing '_'.
// Leading dots would produce hidden files or parent references.
func trim(s string) string {
	s = strings.TrimLeft(s, "_.")
	return strings.TrimRight(s, "_")
}

// truncate cuts s to limit bytes, keeping a short extension intact.
// s only contains ASCII at this point, so byte slicing is safe.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	ext := extension(s)
	if ext == "" || len(ext) > maxExtensionLength || len(ext) >= limit {
		return s[:limit]
	}
	base := strings.TrimRight(s[:limit-len(ext)], "_.")
	if base == "" {
		return s[:limit]
	}
	return base + ext
}

func extension(s string) string {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return ""
	}
	return s[i:]
}
