// Package parser turns input documents into plain text for analysis.
package parser

import (
	"context"
	"strings"
)

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section // Ordered sections extracted from the document
	Method   string    // always "native" for the built-in parsers
	Metadata map[string]string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int // Heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "section", "table", "paragraph"
	Metadata   map[string]string
}

// Text joins the sections back into one document, headings first,
// sections separated by a blank line.
func (r *ParseResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		var b strings.Builder
		if h := strings.TrimSpace(s.Heading); h != "" {
			b.WriteString(h)
			b.WriteString("\n")
		}
		b.WriteString(strings.TrimSpace(s.Content))
		if t := strings.TrimSpace(b.String()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
