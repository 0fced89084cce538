package extract

import (
	"regexp"
	"strings"

	"github.com/docforge/docforge/job"
)

// CleanText normalises extracted text for storage: removes zero-width
// characters, collapses runs of blank lines and intra-line whitespace,
// and trims.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(intraSpaceRe.ReplaceAllString(line, " "))
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

var intraSpaceRe = regexp.MustCompile(`[ \t]+`)

var (
	wikiEditRe     = regexp.MustCompile(`\[\s*(edit|modifier)\s*\]`)
	wikiCitationRe = regexp.MustCompile(`\[\d+\]|\[citation needed\]`)
	wikiHeadingRe  = regexp.MustCompile(`(?m)^(={2,6})\s*(.+?)\s*={2,6}\s*$`)
)

// stopSections are trailing Wikipedia sections dropped from the
// extracted article body.
var stopSections = []string{
	"references", "external links", "see also", "further reading",
	"notes", "bibliography",
}

// cleanWikipedia strips wiki markup artifacts: [edit] links, numeric
// citations, == heading == markers, and the trailing reference
// apparatus.
func cleanWikipedia(text string) string {
	text = wikiEditRe.ReplaceAllString(text, "")
	text = wikiCitationRe.ReplaceAllString(text, "")

	// Cut at the first stop section heading.
	lower := strings.ToLower(text)
	cut := len(text)
	for _, sec := range stopSections {
		for _, marker := range []string{"== " + sec + " ==", "==" + sec + "==", "\n# " + sec, "\n## " + sec} {
			if idx := strings.Index(lower, marker); idx >= 0 && idx < cut {
				cut = idx
			}
		}
	}
	text = text[:cut]

	// Normalise == Heading == to plain heading lines.
	text = wikiHeadingRe.ReplaceAllString(text, "$2")

	return CleanText(text)
}

var pubmedBoilerplate = []string{
	"skip to main content",
	"an official website of the united states government",
	"log in", "sign up",
}

// cleanPubMed drops site chrome lines that survive extraction of
// PubMed abstract pages.
func cleanPubMed(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		drop := false
		for _, b := range pubmedBoilerplate {
			if strings.Contains(lower, b) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, line)
		}
	}
	return CleanText(strings.Join(out, "\n"))
}

// CleanFor applies the source-specific cleaner to extracted text.
// Uploads only get the generic normalisation, which Extract already
// applied.
func CleanFor(source job.Source, text string) string {
	switch source {
	case job.SourceWikipedia:
		return cleanWikipedia(text)
	case job.SourcePubMed:
		return cleanPubMed(text)
	default:
		return CleanText(text)
	}
}
