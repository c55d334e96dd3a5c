package document

import (
	"regexp"
	"strings"
)

// ChunkConfig sizes chunks in runes.
type ChunkConfig struct {
	Size    int
	Overlap int
}

// ConfigFor returns the chunk sizing for an analysis type. Extraction uses
// small chunks with generous overlap so entities are not split; summary uses
// large chunks with little overlap.
func ConfigFor(t AnalysisType) ChunkConfig {
	switch t {
	case AnalysisExtraction:
		return ChunkConfig{Size: 2000, Overlap: 400}
	case AnalysisSummary:
		return ChunkConfig{Size: 6000, Overlap: 300}
	default:
		return ChunkConfig{Size: 4000, Overlap: 400}
	}
}

func (c ChunkConfig) normalized() ChunkConfig {
	if c.Size < 16 {
		c.Size = 16
	}
	if c.Overlap < 1 {
		c.Overlap = 1
	}
	if c.Overlap > c.Size/2 {
		c.Overlap = c.Size / 2
	}
	return c
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// SplitChunks cuts text into chunks. Text that fits in one chunk is returned
// whole. Structured text is packed paragraph by paragraph; unstructured text
// falls back to a sliding window.
func SplitChunks(text string, cfg ChunkConfig) []Chunk {
	cfg = cfg.normalized()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= cfg.Size {
		return []Chunk{{Content: text, Index: 0, Kind: KindSection}}
	}

	paras := splitParagraphs(text)
	if !semanticFit(paras, cfg) {
		return slidingWindow(text, cfg)
	}
	return semanticChunks(paras, cfg)
}

func splitParagraphs(text string) []string {
	raw := paragraphBreak.Split(text, -1)
	paras := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// semanticFit reports whether paragraphs are small enough to pack.
func semanticFit(paras []string, cfg ChunkConfig) bool {
	if len(paras) < 2 {
		return false
	}
	total := 0
	for _, p := range paras {
		total += runeLen(p)
	}
	avg := float64(total) / float64(len(paras))
	return avg <= 0.8*float64(cfg.Size)
}

func slidingWindow(text string, cfg ChunkConfig) []Chunk {
	runes := []rune(text)
	step := cfg.Size - cfg.Overlap
	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + cfg.Size
		if end > len(runes) {
			end = len(runes)
		}
		c := Chunk{Content: string(runes[start:end]), Index: len(chunks), Kind: KindSection}
		if start > 0 {
			c.Overlap = cfg.Overlap
		}
		chunks = append(chunks, c)
		if end == len(runes) {
			break
		}
	}
	return chunks
}

type segment struct {
	text string
	kind ChunkKind
}

// semanticChunks packs paragraphs into segments small enough that the
// overlap prefix and separator still fit in Size, then prefixes each segment
// after the first with the tail of the one before it.
func semanticChunks(paras []string, cfg ChunkConfig) []Chunk {
	budget := cfg.Size - cfg.Overlap - 2

	var segs []segment
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen == 0 {
			return
		}
		segs = append(segs, segment{text: cur.String(), kind: KindParagraph})
		cur.Reset()
		curLen = 0
	}

	for _, p := range paras {
		pl := runeLen(p)
		if pl > budget {
			flush()
			runes := []rune(p)
			for start := 0; start < len(runes); start += budget {
				end := start + budget
				if end > len(runes) {
					end = len(runes)
				}
				segs = append(segs, segment{text: string(runes[start:end]), kind: KindHybrid})
			}
			continue
		}
		if curLen > 0 && curLen+2+pl > budget {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += pl
	}
	flush()

	chunks := make([]Chunk, len(segs))
	for i, s := range segs {
		chunks[i] = Chunk{Content: s.text, Index: i, Kind: s.kind}
		if i == 0 {
			continue
		}
		tail := overlapTail(segs[i-1].text, cfg.Overlap)
		sep := "\n\n"
		if s.kind == KindHybrid && segs[i-1].kind == KindHybrid {
			sep = ""
		}
		chunks[i].Content = tail + sep + s.text
		chunks[i].Overlap = runeLen(tail)
	}
	return chunks
}

// overlapTail returns up to n trailing runes of s, starting at a sentence
// boundary when one leaves a non-empty remainder.
func overlapTail(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	tail := string(runes)

	if i := sentenceStart(tail); i > 0 {
		if trimmed := strings.TrimLeft(tail[i:], " \t\n"); trimmed != "" {
			return trimmed
		}
	}
	if trimmed := strings.TrimLeft(tail, " \t\n"); trimmed != "" {
		return trimmed
	}
	return tail
}

// sentenceStart returns the byte offset just past the first sentence end in s,
// or -1.
func sentenceStart(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				return i + 1
			}
		case '\n':
			return i + 1
		}
	}
	return -1
}
