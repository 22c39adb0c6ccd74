package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrUnsupportedType is returned for files whose extension has no extractor.
var ErrUnsupportedType = errors.New("unsupported document type")

// Content types recorded on ingested documents.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeHTML = "text/html"
	ContentTypeText = "text/plain"
)

// Page is the text of one page. Non-paginated formats produce a single page
// numbered 1.
type Page struct {
	Number int
	Text   string
}

// Extracted is the plain text pulled out of a document.
type Extracted struct {
	ContentType string
	Pages       []Page
}

// Supported reports whether filename has an extension Extract understands.
func Supported(filename string) bool {
	_, ok := contentTypeFor(filename)
	return ok
}

func contentTypeFor(filename string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return ContentTypePDF, true
	case ".html", ".htm":
		return ContentTypeHTML, true
	case ".txt", ".md":
		return ContentTypeText, true
	}
	return "", false
}

// Extract dispatches on the file extension.
func Extract(filename string, data []byte) (Extracted, error) {
	ct, ok := contentTypeFor(filename)
	if !ok {
		return Extracted{}, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(filename))
	}

	var pages []Page
	var err error
	switch ct {
	case ContentTypePDF:
		pages, err = ExtractPDF(data)
	case ContentTypeHTML:
		var text string
		text, err = ExtractHTML(bytes.NewReader(data))
		pages = []Page{{Number: 1, Text: text}}
	default:
		pages = []Page{{Number: 1, Text: string(data)}}
	}
	if err != nil {
		return Extracted{}, err
	}
	return Extracted{ContentType: ct, Pages: pages}, nil
}

// ExtractPDF returns the plain text of every page that has any.
func ExtractPDF(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var pages []Page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading pdf page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

// skipElements never contribute visible text.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "table": true, "ul": true, "ol": true,
	"blockquote": true, "pre": true,
}

// ExtractHTML returns the visible text of an HTML document, one line per
// block element.
func ExtractHTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return strings.TrimSpace(b.String()), nil
}
