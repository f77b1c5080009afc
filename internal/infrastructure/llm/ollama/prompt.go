package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

const maxEvidenceChars = 1800

func buildAnswerPrompt(question string, evidence []domain.RerankedResult) string {
	var contextBuilder strings.Builder
	for idx, r := range evidence {
		chunk := r.Chunk
		text := chunk.Text
		if len(text) > maxEvidenceChars {
			text = text[:maxEvidenceChars]
		}
		page := "-"
		if chunk.Position != nil && chunk.Position.Page > 0 {
			page = fmt.Sprint(chunk.Position.Page)
		}
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] doc=%s type=%s property=%s period=%s page=%s\n%s\n\n",
			idx+1,
			chunk.DocumentID,
			valueOr(chunk.DocumentType, "unknown"),
			valueOr(chunk.PropertyID, "-"),
			valueOr(chunk.Period, "-"),
			page,
			text,
		))
	}

	return fmt.Sprintf(`Answer the question about the property portfolio only from the evidence below.
Quote financial figures exactly as they appear in the evidence, including currency symbols and units.
Do not compute or estimate figures that are not stated.
If the evidence is insufficient, say it directly.

Question:
%s

Evidence:
%s
`, question, contextBuilder.String())
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
