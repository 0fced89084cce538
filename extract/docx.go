package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/docforge/docforge/job"
)

// extractDocx reads word/document.xml out of the ZIP archive and walks
// its paragraphs. Table cell content arrives as nested paragraphs, so
// the same walk covers tables.
func extractDocx(data []byte) (*Result, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ParseError{Format: job.FormatDocx, Reason: "not a zip archive"}
	}

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, &ParseError{Format: job.FormatDocx, Reason: "word/document.xml not found in archive"}
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, &ParseError{Format: job.FormatDocx, Reason: "open document.xml: " + err.Error()}
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder
	var title string
	var current strings.Builder
	var inParagraph bool
	var paragraphStyle string

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		if title == "" && docxHeadingLevel(paragraphStyle) > 0 {
			title = text
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "p":
				inParagraph = true
				current.Reset()
				paragraphStyle = ""
			case t.Name.Local == "pStyle" && inParagraph:
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						paragraphStyle = attr.Value
					}
				}
			case t.Name.Local == "tab" && inParagraph:
				current.WriteByte('\t')
			case t.Name.Local == "br" && inParagraph:
				current.WriteByte('\n')
			}

		case xml.CharData:
			if inParagraph {
				current.Write(t)
			}

		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				flush()
			}
		}
	}

	text := sb.String()
	if title == "" {
		title = firstLine(text)
	}

	return &Result{
		Title:  title,
		Text:   text,
		Method: "docx-xml",
	}, nil
}

// docxHeadingLevel maps a paragraph style name to a heading level,
// zero for body text. "Heading1" → 1, "Title" → 1, "Heading3" → 3.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	if lower == "title" || lower == "subtitle" {
		return 1
	}
	if rest, ok := strings.CutPrefix(lower, "heading"); ok {
		if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '9' {
			return int(rest[0] - '0')
		}
	}
	return 0
}
