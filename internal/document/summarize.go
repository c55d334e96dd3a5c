package document

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces a model-written summary for a prompt. Implementations
// wrap the upstream provider or a local model.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}

const (
	totalOutputTokens  = 4000
	minChunkTokens     = 150
	maxChunkTokens     = 1000
	metaSummaryTokens  = 800
	extractiveCap      = 500
	combinedDirectSize = 2000
)

// chunkTokenBudget shrinks the per-chunk output allowance as the chunk count
// grows so the total stays near totalOutputTokens.
func chunkTokenBudget(chunks int) int {
	if chunks < 1 {
		chunks = 1
	}
	b := totalOutputTokens / chunks
	if b < minChunkTokens {
		return minChunkTokens
	}
	if b > maxChunkTokens {
		return maxChunkTokens
	}
	return b
}

var framing = map[AnalysisType]string{
	AnalysisGeneral:    "Provide a clear, factual overview of this content: main topics, key points and any conclusions.",
	AnalysisSummary:    "Write a concise summary capturing the essential ideas. Omit minor details and repetition.",
	AnalysisExtraction: "Extract the concrete facts in this content: names, dates, amounts, identifiers and their relationships. Use a compact list.",
	AnalysisLegal:      "Analyze this as a legal text: parties, obligations, rights, deadlines, termination and liability clauses, and notable risks.",
	AnalysisFinancial:  "Analyze this as financial material: figures, totals, trends, periods compared and any anomalies. Quote numbers exactly.",
	AnalysisTechnical:  "Analyze this as technical documentation: components, interfaces, requirements, configuration values and constraints.",
	AnalysisMedical:    "Analyze this as medical information: conditions, medications, dosages, measurements and recommendations. Do not add advice.",
}

func chunkPrompt(t AnalysisType, fileType string, c Chunk, total int, questions []string) string {
	var sb strings.Builder
	instr, ok := framing[t]
	if !ok {
		instr = framing[AnalysisGeneral]
	}
	sb.WriteString(instr)
	sb.WriteString("\n\n")
	if total > 1 {
		fmt.Fprintf(&sb, "This is part %d of %d of a %s document. Focus on this part only.\n", c.Index+1, total, strings.ToUpper(fileType))
	} else {
		fmt.Fprintf(&sb, "Source: %s document.\n", strings.ToUpper(fileType))
	}
	if tabularTypes[fileType] {
		sb.WriteString("The content is tabular; describe columns, notable rows and aggregates.\n")
	}
	writeQuestions(&sb, questions)
	sb.WriteString("\n--- CONTENT ---\n")
	sb.WriteString(c.Content)
	sb.WriteString("\n--- END CONTENT ---\n")
	return sb.String()
}

func metaPrompt(t AnalysisType, summaries []string, questions []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The following are summaries of %d consecutive parts of one document (%s analysis). ", len(summaries), t)
	sb.WriteString("Merge them into a single coherent summary without repeating points.\n")
	writeQuestions(&sb, questions)
	for i, s := range summaries {
		fmt.Fprintf(&sb, "\n[Part %d]\n%s\n", i+1, s)
	}
	return sb.String()
}

func writeQuestions(sb *strings.Builder, questions []string) {
	if len(questions) == 0 {
		return
	}
	sb.WriteString("Answer these questions where the content allows:\n")
	for i, q := range questions {
		fmt.Fprintf(sb, "%d. %s\n", i+1, q)
	}
}

// extractiveSummary returns the leading sentences of text up to limit runes.
func extractiveSummary(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	if runeLen(text) <= limit {
		return text
	}

	var sb strings.Builder
	n := 0
	for _, s := range splitSentences(text) {
		l := runeLen(s)
		if n > 0 && n+1+l > limit {
			break
		}
		if n == 0 && l > limit {
			return truncateWords(s, limit)
		}
		if n > 0 {
			sb.WriteString(" ")
			n++
		}
		sb.WriteString(s)
		n += l
	}
	return sb.String()
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func truncateWords(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
