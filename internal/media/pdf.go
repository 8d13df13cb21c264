package media

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/maauso/mediastore/internal/policy"
)

var pdfMagic = []byte("%PDF-")

func init() {
	// Page counting needs no user fonts or config files on disk.
	api.DisableConfigDir()
}

// probeDocument counts pages of a PDF. Other document formats have no page
// counter and report policy.ErrCheckUnavailable. A file that claims to be a
// PDF but cannot be parsed is an error, so the enforcer rejects it.
func probeDocument(path string) (policy.Structure, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the staging area
	if err != nil {
		return policy.Structure{}, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, pdfMagic) {
		return policy.Structure{}, fmt.Errorf("%w: not a pdf", policy.ErrCheckUnavailable)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return policy.Structure{}, fmt.Errorf("rewind document: %w", err)
	}

	pages, err := countPDFPages(f)
	if err != nil {
		return policy.Structure{}, err
	}
	return policy.Structure{Pages: pages}, nil
}

// countPDFPages reads the page count from the document's page tree,
// including trees stored in compressed object streams.
func countPDFPages(rs io.ReadSeeker) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(rs, conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf page tree: %w", err)
	}
	return pages, nil
}
