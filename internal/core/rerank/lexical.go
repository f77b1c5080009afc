package rerank

import (
	"context"
	"strings"
	"unicode"
)

// LexicalScorer is an in-process query/passage scorer used when no model endpoint answers.
// The score blends query term coverage, adjacent term pairs and numeric tokens.
type LexicalScorer struct{}

func (LexicalScorer) Name() string { return "lexical" }

func (LexicalScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	queryTokens := splitAlphaNumLower(query)
	querySet := toTokenSet(queryTokens)
	queryPairs := bigrams(queryTokens)
	queryNumbers := numericTokens(queryTokens)

	scores := make([]float64, len(passages))
	for i, passage := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tokens := splitAlphaNumLower(passage)
		overlap := tokenOverlap(querySet, toTokenSet(tokens))
		proximity := tokenOverlap(queryPairs, toTokenSet(pairList(tokens)))
		numbers := tokenOverlap(queryNumbers, toTokenSet(tokens))
		if len(queryNumbers) == 0 {
			numbers = overlap
		}
		scores[i] = 0.60*overlap + 0.25*proximity + 0.15*numbers
	}
	return scores, nil
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func toTokenSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func bigrams(tokens []string) map[string]struct{} {
	return toTokenSet(pairList(tokens))
}

func pairList(tokens []string) []string {
	if len(tokens) < 2 {
		return nil
	}
	out := make([]string, 0, len(tokens)-1)
	for i := 1; i < len(tokens); i++ {
		out = append(out, tokens[i-1]+" "+tokens[i])
	}
	return out
}

func numericTokens(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, token := range tokens {
		if token[0] >= '0' && token[0] <= '9' {
			out[token] = struct{}{}
		}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
