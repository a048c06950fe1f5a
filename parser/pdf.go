package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

// Parse extracts the plain text of each page. Pages that fail to extract
// are skipped.
func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	sections := make([]Section, 0, totalPages)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("parser: skipping pdf page", "path", path, "page", i, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		sections = append(sections, splitPage(text, i)...)
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF")
	}
	return &ParseResult{
		Sections: sections,
		Method:   "native",
		Metadata: map[string]string{"pages": strconv.Itoa(totalPages)},
	}, nil
}

// splitPage breaks page text into sections at lines that look like headings.
func splitPage(text string, pageNum int) []Section {
	var sections []Section
	var content strings.Builder
	var heading string
	level := 0

	flush := func() {
		if content.Len() == 0 {
			return
		}
		sections = append(sections, Section{
			Heading:    heading,
			Content:    strings.TrimSpace(content.String()),
			Level:      level,
			PageNumber: pageNum,
			Type:       "section",
		})
		content.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isLikelyHeading(trimmed) {
			flush()
			heading = trimmed
			level = detectHeadingLevel(trimmed)
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(trimmed)
	}
	flush()

	if len(sections) == 0 {
		sections = append(sections, Section{Content: text, PageNumber: pageNum, Type: "paragraph"})
	}
	return sections
}

func isLikelyHeading(line string) bool {
	if len(line) >= 120 {
		return false
	}
	// All caps and short
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) && line != strings.ToLower(line) {
		return true
	}
	// Numbered section like "1.", "1.1", "3.9.1"
	if line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
		return true
	}
	lower := strings.ToLower(line)
	for _, prefix := range []string{"section ", "article ", "chapter ", "part "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	first, _, _ := strings.Cut(heading, " ")
	if dots := strings.Count(strings.TrimSuffix(first, "."), "."); dots > 0 {
		return dots + 1
	}
	if first[0] >= '0' && first[0] <= '9' {
		return 1
	}
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}
