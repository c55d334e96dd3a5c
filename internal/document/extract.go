package document

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Extraction is the raw text and format metadata produced by an Extractor.
type Extraction struct {
	Text string
	Meta Metadata
}

// Extractor turns document bytes into text. Implementations check ctx
// between units of work (pages, sheets) so a deadline stops them.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (Extraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, data []byte) (Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte) (Extraction, error) {
	return f(ctx, data)
}

// DefaultExtractors maps lower-case file extensions to the built-in adapters.
func DefaultExtractors() map[string]Extractor {
	text := ExtractorFunc(extractText)
	csv := ExtractorFunc(func(ctx context.Context, data []byte) (Extraction, error) {
		return extractDelimited(ctx, data, ',')
	})
	tsv := ExtractorFunc(func(ctx context.Context, data []byte) (Extraction, error) {
		return extractDelimited(ctx, data, '\t')
	})
	docx := ExtractorFunc(extractDOCX)
	sheet := ExtractorFunc(extractSpreadsheet)

	return map[string]Extractor{
		".pdf":      ExtractorFunc(extractPDF),
		".docx":     docx,
		".docm":     docx,
		".txt":      text,
		".text":     text,
		".md":       text,
		".markdown": text,
		".log":      text,
		".csv":      csv,
		".tsv":      tsv,
		".xlsx":     sheet,
		".xlsm":     sheet,
	}
}

// tabularTypes are the file types whose text is rendered as tables.
var tabularTypes = map[string]bool{
	"csv":  true,
	"tsv":  true,
	"xlsx": true,
	"xlsm": true,
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// estimateTokens is ceil(chars/4).
func estimateTokens(chars int) int {
	return (chars + 3) / 4
}

// renderTable writes rows as a markdown table. The first row is the header.
func renderTable(sb *strings.Builder, rows [][]string) {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 {
		return
	}

	writeRow := func(r []string) {
		sb.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(r) {
				cell = cleanCell(r[i])
			}
			sb.WriteString(" ")
			sb.WriteString(cell)
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	sb.WriteString("|")
	for i := 0; i < width; i++ {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
}

var cellReplacer = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

func cleanCell(s string) string {
	return strings.TrimSpace(cellReplacer.Replace(s))
}

// nonEmptyRows drops rows whose cells are all blank.
func nonEmptyRows(rows [][]string) [][]string {
	out := rows[:0:0]
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func unreadable(format string, err error) error {
	return fmt.Errorf("%w: reading %s: %v", ErrNoExtractableContent, format, err)
}
