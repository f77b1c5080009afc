package citation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// FormatFootnotes renders the primary source of each citation as "[n] ..." in citation order.
func FormatFootnotes(citations []domain.Citation) []string {
	out := make([]string, 0, len(citations))
	for i, c := range citations {
		if len(c.Sources) == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("[%d] %s", i+1, describe(c.Sources[0])))
	}
	return out
}

func describe(s domain.CitationSource) string {
	if s.Type == domain.SourceStructured {
		return fmt.Sprintf("%s %s %s: %s", s.PropertyID, s.Period, s.Field, s.Excerpt)
	}
	var b strings.Builder
	b.WriteString(s.DocumentID)
	if s.DocumentType != "" {
		b.WriteString(" (" + s.DocumentType + ")")
	}
	if s.Position != nil {
		if s.Position.Page > 0 {
			fmt.Fprintf(&b, " p.%d", s.Position.Page)
		}
		if s.Position.Line > 0 {
			fmt.Fprintf(&b, " l.%d", s.Position.Line)
		}
	}
	b.WriteString(": ")
	b.WriteString(s.Excerpt)
	return b.String()
}

type insertion struct {
	at   int
	text string
}

// Annotate appends " [n]" after every cited claim and " [unverified]" after every flagged
// claim. Offsets refer to the original answer text.
func Annotate(answer string, citations []domain.Citation, flagged []domain.Claim) string {
	var ins []insertion
	for i, c := range citations {
		if c.Claim.End > 0 && c.Claim.End <= len(answer) {
			ins = append(ins, insertion{at: c.Claim.End, text: " [" + strconv.Itoa(i+1) + "]"})
		}
	}
	for _, claim := range flagged {
		if claim.End > 0 && claim.End <= len(answer) {
			ins = append(ins, insertion{at: claim.End, text: " [unverified]"})
		}
	}
	if len(ins) == 0 {
		return answer
	}
	sort.SliceStable(ins, func(i, j int) bool { return ins[i].at < ins[j].at })

	var b strings.Builder
	prev := 0
	for _, in := range ins {
		b.WriteString(answer[prev:in.at])
		b.WriteString(in.text)
		prev = in.at
	}
	b.WriteString(answer[prev:])
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
