// Package extract turns raw document bytes into plain text.
//
// Supported formats:
//   - pdf  — pdfcpu cross-reference parsing + content stream decoding
//   - docx — Microsoft Word (archive/zip → word/document.xml)
//   - html — fetched pages (sanitize → markdown conversion)
//
// Extraction is pure: no I/O beyond the input buffer, no hidden state,
// safe to invoke repeatedly on the same input. Malformed, encrypted or
// textless input fails with *ParseError, which the worker classifies
// as non-retryable.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/docforge/docforge/job"
)

// ParseError reports input that can never extract successfully:
// corrupt structure, encrypted content, or zero extractable text.
// Retrying the same bytes would waste capacity.
type ParseError struct {
	Format job.Format
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Format, e.Reason)
}

// IsParseError reports whether err is a non-retryable extraction
// failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Result is the output of a successful extraction.
type Result struct {
	Title string
	Text  string
	// Pages is the page count for paginated formats, zero otherwise.
	Pages int
	// Method names the parser that produced the text, recorded as
	// document provenance.
	Method string
}

// Engine dispatches extraction by format. The format set is closed:
// adding one means adding a case to Extract.
type Engine struct{}

// NewEngine creates an extraction engine.
func NewEngine() *Engine { return &Engine{} }

// Extract parses data according to format and returns the text.
func (e *Engine) Extract(ctx context.Context, data []byte, format job.Format) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &ParseError{Format: format, Reason: "empty input"}
	}

	var res *Result
	var err error
	switch format {
	case job.FormatPDF:
		res, err = extractPDF(data)
	case job.FormatDocx:
		res, err = extractDocx(data)
	case job.FormatHTML:
		res, err = extractHTML(data)
	default:
		return nil, fmt.Errorf("no parser for format %q", format)
	}
	if err != nil {
		return nil, err
	}

	res.Text = CleanText(res.Text)
	if res.Text == "" {
		return nil, &ParseError{Format: format, Reason: "no extractable text"}
	}
	return res, nil
}
