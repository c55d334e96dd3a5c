package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
)

const maxDocxPartSize = 64 << 20

// extractDOCX reads the main WordprocessingML part of a .docx package.
// Paragraphs become lines; tabs and breaks are kept.
func extractDOCX(ctx context.Context, data []byte) (Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, unreadable("docx", err)
	}

	var body, app *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/app.xml":
			app = f
		}
	}
	if body == nil {
		return Extraction{}, unreadable("docx", errors.New("word/document.xml not found"))
	}

	text, err := readDocxBody(ctx, body)
	if err != nil {
		return Extraction{}, err
	}

	meta := Metadata{}
	if app != nil {
		meta.PageCount = readDocxPages(app)
	}
	return Extraction{Text: text, Meta: meta}, nil
}

func readDocxBody(ctx context.Context, f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", unreadable("docx", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxDocxPartSize))
	var sb strings.Builder
	inText := false
	paragraphs := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", unreadable("docx", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br", "cr":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n\n")
				paragraphs++
				if paragraphs%200 == 0 {
					if err := ctx.Err(); err != nil {
						return "", err
					}
				}
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return collapseBlankLines(sb.String()), nil
}

func readDocxPages(f *zip.File) int {
	rc, err := f.Open()
	if err != nil {
		return 0
	}
	defer rc.Close()

	var props struct {
		Pages string `xml:"Pages"`
	}
	if err := xml.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(&props); err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(props.Pages))
	return n
}

// collapseBlankLines trims each line's trailing space and keeps at most one
// blank line between paragraphs.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
