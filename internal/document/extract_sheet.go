package document

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractSpreadsheet renders every non-empty sheet as a markdown table
// under a "## Sheet: <name>" heading.
func extractSpreadsheet(ctx context.Context, data []byte) (Extraction, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Extraction{}, unreadable("spreadsheet", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var sb strings.Builder
	totalRows := 0
	for _, name := range sheets {
		if err := ctx.Err(); err != nil {
			return Extraction{}, err
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return Extraction{}, unreadable("spreadsheet", err)
		}
		rows = nonEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Sheet: ")
		sb.WriteString(name)
		sb.WriteString("\n\n")
		renderTable(&sb, rows)
		totalRows += len(rows) - 1
	}

	return Extraction{
		Text: sb.String(),
		Meta: Metadata{SheetNames: sheets, RowCount: totalRows},
	}, nil
}
