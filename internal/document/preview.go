package document

import "strings"

const (
	previewLimit     = 3000
	truncationMarker = "\n…[truncated]"
)

// preview bounds text to roughly limit runes. When the text contains a
// markdown table the preview is taken from the table's first row and only
// whole lines are kept, so no row is cut in half.
func preview(text string, limit int) string {
	if runeLen(text) <= limit {
		return text
	}

	lines := strings.Split(text, "\n")
	tableStart := -1
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "|") {
			tableStart = i
			break
		}
	}
	if tableStart >= 0 {
		from := 0
		if runeLen(strings.Join(lines[:tableStart], "\n")) > limit/3 {
			from = tableStart
		}
		if out := wholeLines(lines[from:], limit); out != "" {
			return out + truncationMarker
		}
	}

	return truncateWords(text, limit) + truncationMarker
}

func wholeLines(lines []string, limit int) string {
	var sb strings.Builder
	n := 0
	for _, l := range lines {
		ll := runeLen(l)
		if n > 0 && n+1+ll > limit {
			break
		}
		if n == 0 && ll > limit {
			return ""
		}
		if n > 0 {
			sb.WriteString("\n")
			n++
		}
		sb.WriteString(l)
		n += ll
	}
	return sb.String()
}
