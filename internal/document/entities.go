package document

import (
	"regexp"
	"strings"
)

const maxEntities = 100

type entityPattern struct {
	typ        string
	confidence float64
	re         *regexp.Regexp
	tabular    bool
}

var entityPatterns = []entityPattern{
	{
		typ:        "email",
		confidence: 0.95,
		re:         regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		typ:        "url",
		confidence: 0.9,
		re:         regexp.MustCompile(`https?://[^\s<>"'()\[\]|]+`),
	},
	{
		typ:        "phone",
		confidence: 0.8,
		re:         regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{2,4}\)[\s.\-]?|\d{2,4}[\s.\-])\d{3,4}[\s.\-]?\d{3,4}\b`),
	},
	{
		typ:        "date",
		confidence: 0.85,
		re: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b|` +
			`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`),
	},
	{
		typ:        "currency",
		confidence: 0.9,
		re: regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:million|billion|[kKmMbB]\b))?|` +
			`\b\d[\d,]*(?:\.\d+)?\s?(?:USD|EUR|GBP|JPY|CHF)\b`),
	},
	{
		typ:        "percentage",
		confidence: 0.9,
		re:         regexp.MustCompile(`\b\d+(?:\.\d+)?\s?%`),
	},
	{
		typ:        "identifier",
		confidence: 0.7,
		re:         regexp.MustCompile(`\b[A-Z]{2,5}-\d{3,10}\b|\b[A-Z]{1,3}\d{4,10}\b`),
		tabular:    true,
	},
}

// ExtractEntities runs the pattern set over text. Identifier patterns only
// apply to tabular file types. Results are deduplicated by (type, value) and
// capped.
func ExtractEntities(text, fileType string) []Entity {
	tabular := tabularTypes[strings.ToLower(fileType)]
	seen := make(map[string]bool)
	var out []Entity

	for _, p := range entityPatterns {
		if p.tabular && !tabular {
			continue
		}
		for _, m := range p.re.FindAllString(text, -1) {
			v := strings.TrimRight(strings.TrimSpace(m), ".,;:")
			if v == "" {
				continue
			}
			k := p.typ + "\x00" + v
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Entity{Type: p.typ, Value: v, Confidence: p.confidence})
			if len(out) >= maxEntities {
				return out
			}
		}
	}
	return out
}
