package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// page is one unit of extracted text. Unpaged formats (txt, md, html)
// produce a single page numbered 0.
type page struct {
	number int
	text   string
}

// extractText parses the file at path into per-page text.
// The parser is chosen by file extension.
func extractText(path string) ([]page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrDocumentNotFound)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		return extractPDF(path)
	case ".txt", ".md":
		return extractPlain(path)
	case ".html", ".htm":
		return extractHTML(path)
	default:
		return nil, fmt.Errorf("%s: %w", ext, ErrUnsupportedFormat)
	}
}

// extractPDF extracts text page by page so chunk metadata can carry the
// 1-based source page number.
func extractPDF(path string) ([]page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var pages []page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, page{number: i, text: text})
	}
	return pages, nil
}

// extractPlain reads the whole file as one unpaged text.
func extractPlain(path string) ([]page, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the staging directory
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []page{{number: 0, text: text}}, nil
}

// extractHTML strips markup and returns the visible text.
func extractHTML(path string) ([]page, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the staging directory
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing html %s: %w", path, err)
	}

	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	// Collapse the whitespace runs left behind by removed markup.
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, nil
	}
	return []page{{number: 0, text: text}}, nil
}
