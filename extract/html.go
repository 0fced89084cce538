package extract

import (
	"bytes"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/docforge/docforge/job"
)

// htmlPolicy strips scripts, styles, forms and tracking attributes
// from fetched pages before conversion.
var htmlPolicy = bluemonday.UGCPolicy()

// extractHTML converts a fetched page to markdown-flavoured text:
// isolate the main content subtree, sanitize, then run the
// html-to-markdown converter so headings and list structure survive as
// plain text. Pages without a recognizable content block are converted
// whole.
func extractHTML(data []byte) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Format: job.FormatHTML, Reason: "parse html: " + err.Error()}
	}
	title := findTitle(doc)

	source := data
	if main := mainContent(doc); main != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, main); err == nil {
			source = buf.Bytes()
		}
	}

	sanitized := htmlPolicy.SanitizeBytes(source)
	text, err := htmltomarkdown.ConvertString(string(sanitized))
	if err != nil {
		return nil, &ParseError{Format: job.FormatHTML, Reason: "convert: " + err.Error()}
	}

	return &Result{
		Title:  title,
		Text:   text,
		Method: "html-markdown",
	}, nil
}

// findTitle returns the <title> text, if any.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
