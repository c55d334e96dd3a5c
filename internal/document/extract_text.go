package document

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts data to UTF-8 and reports the source encoding name.
func decodeText(data []byte) (string, string, error) {
	if bytes.HasPrefix(data, utf8BOM) {
		return string(data[len(utf8BOM):]), "utf-8", nil
	}
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	enc, name, _ := charset.DetermineEncoding(data, "text/plain")
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return "", name, err
	}
	return string(out), name, nil
}

func extractText(_ context.Context, data []byte) (Extraction, error) {
	text, enc, err := decodeText(data)
	if err != nil {
		return Extraction{}, unreadable("text", err)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return Extraction{
		Text: text,
		Meta: Metadata{Encoding: enc},
	}, nil
}

func extractDelimited(ctx context.Context, data []byte, comma rune) (Extraction, error) {
	text, enc, err := decodeText(data)
	if err != nil {
		return Extraction{}, unreadable("csv", err)
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		if len(rows)%500 == 0 {
			if err := ctx.Err(); err != nil {
				return Extraction{}, err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Extraction{}, unreadable("csv", err)
		}
		rows = append(rows, rec)
	}
	rows = nonEmptyRows(rows)
	if len(rows) == 0 {
		return Extraction{Meta: Metadata{Encoding: enc}}, nil
	}

	var sb strings.Builder
	renderTable(&sb, rows)
	return Extraction{
		Text: sb.String(),
		Meta: Metadata{Encoding: enc, RowCount: len(rows) - 1},
	}, nil
}
