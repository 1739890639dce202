// Package preview extracts readable content from attachment blobs for
// the attachment preview endpoint.
package preview

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nevindra/maestro"
)

// MaxPreviewBytes caps preview output so a large attachment cannot blow
// up an API response.
const MaxPreviewBytes = 256 * 1024

// Result is one rendered preview.
type Result struct {
	ContentType string // content type of the rendered preview itself
	Content     string
	Truncated   bool
}

// Extract renders a preview of the blob according to its MIME type:
// PDF to plain text, HTML to readable article text, Markdown to
// rendered HTML, and any text/* passed through raw. Other types have no
// preview and yield a ValidationError.
func Extract(mimeType string, blob []byte) (Result, error) {
	mt := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mt = parsed
	}

	switch {
	case mt == "application/pdf":
		text, err := pdfText(blob)
		if err != nil {
			return Result{}, fmt.Errorf("extract pdf: %w", err)
		}
		return capped("text/plain", text), nil

	case mt == "text/html":
		return capped("text/plain", htmlText(blob)), nil

	case mt == "text/markdown":
		html, err := markdownHTML(blob)
		if err != nil {
			return Result{}, fmt.Errorf("render markdown: %w", err)
		}
		return capped("text/html", html), nil

	case strings.HasPrefix(mt, "text/"):
		return capped("text/plain", string(blob)), nil

	default:
		return Result{}, &maestro.ValidationError{Field: "mime_type", Reason: fmt.Sprintf("no preview available for %q", mimeType)}
	}
}

func capped(contentType, content string) Result {
	r := Result{ContentType: contentType, Content: content}
	if len(r.Content) > MaxPreviewBytes {
		r.Content = r.Content[:MaxPreviewBytes]
		r.Truncated = true
	}
	return r
}

// pdfText extracts plain text from a PDF, page by page. Pages that fail
// to extract are skipped.
func pdfText(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}

// htmlText extracts readable article text from HTML; if readability
// finds nothing it falls back to the raw markup.
func htmlText(blob []byte) string {
	article, err := readability.FromReader(bytes.NewReader(blob), nil)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return string(blob)
}

func markdownHTML(blob []byte) (string, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert(blob, &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
