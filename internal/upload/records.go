package upload

import (
	"net/url"
	"strings"
	"time"

	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/policy"
)

// FinalRecord describes a file in the final storage tree.
type FinalRecord struct {
	Category classify.Category `json:"category"`
	// StoragePath is the posix path under the final root.
	StoragePath string            `json:"storage_path"`
	URL         string            `json:"url"`
	Size        int64             `json:"size_bytes"`
	Digest      string            `json:"digest,omitempty"`
	MIME        string            `json:"mime,omitempty"`
	Structure   *policy.Structure `json:"structure,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ModTime     time.Time         `json:"modified_at"`
}

// Mapping asks for one staged entry to be committed under a final name.
type Mapping struct {
	Index int `json:"index" validate:"gte=0"`
	// Filename is sanitized before use. Empty generates a unique name.
	Filename string `json:"filename" validate:"max=1024"`
	// Metadata is copied onto the record, e.g. page number or cover flag.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommitOptions tune a commit.
type CommitOptions struct {
	// FailIfMissing rejects the commit when a mapping names an unknown
	// index. When false the mapping is skipped with a warning.
	FailIfMissing bool `json:"fail_if_missing"`
}

// ItemFailure is a mapping whose final write failed after validation.
type ItemFailure struct {
	Index       int    `json:"index"`
	StoragePath string `json:"storage_path"`
	Reason      string `json:"reason"`
	Err         error  `json:"-"`
}

// CommitResult lists records in mapping order plus every per-item failure.
// Records written before a failure stay in place.
type CommitResult struct {
	Records  []FinalRecord `json:"records"`
	Failures []ItemFailure `json:"failures,omitempty"`
	// Skipped holds mapping indexes with no staged entry.
	Skipped []int `json:"skipped,omitempty"`
}

// Partial reports whether some mappings failed.
func (r *CommitResult) Partial() bool {
	return len(r.Failures) > 0
}

// Page is a window over a directory listing.
type Page struct {
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Items  []FinalRecord `json:"items"`
}

// URLBuilder maps a storage path to its public URL.
type URLBuilder func(storagePath string) string

// NewURLBuilder joins base and the escaped path segments. An empty base
// yields root-relative URLs.
func NewURLBuilder(base string) URLBuilder {
	base = strings.TrimRight(base, "/")
	return func(storagePath string) string {
		segments := strings.Split(strings.Trim(storagePath, "/"), "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		return base + "/" + strings.Join(segments, "/")
	}
}
