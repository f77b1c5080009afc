// Package citation maps claims in an answer to the chunks and structured facts that support them.
package citation

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/evidence-core/internal/core/claims"
	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

const (
	confidenceExact      = 1.0
	confidenceStructured = 0.95
	fuzzyConfidenceScale = 0.9
	confidenceNumeric    = 0.6
)

var matchOrder = map[domain.MatchKind]int{
	domain.MatchExact:      0,
	domain.MatchStructured: 1,
	domain.MatchFuzzy:      2,
	domain.MatchNumeric:    3,
}

var wordPattern = regexp.MustCompile(`\S+`)

type Config struct {
	FuzzyThreshold float64
	MaxSources     int
	ExcerptWindow  int
}

func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.8, MaxSources: 3, ExcerptWindow: 80}
}

type Extractor struct {
	claims     *claims.Extractor
	similarity ports.StringSimilarity
	cfg        Config
}

// NewExtractor shares the claim extractor with the hallucination detector. A nil
// similarity disables the fuzzy tier.
func NewExtractor(extractor *claims.Extractor, similarity ports.StringSimilarity, cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = def.MaxSources
	}
	if cfg.ExcerptWindow <= 0 {
		cfg.ExcerptWindow = def.ExcerptWindow
	}
	if extractor == nil {
		extractor = claims.NewExtractor(claims.Config{})
	}
	return &Extractor{claims: extractor, similarity: similarity, cfg: cfg}
}

// ExtractCitations returns one citation per supported claim in answer order. Claims
// without any source are left out; they surface as flagged claims in detection instead.
func (e *Extractor) ExtractCitations(answerText string, chunks []domain.Chunk, queries []domain.StructuredQuery, facts []domain.StructuredFact) []domain.Citation {
	extracted, _ := e.claims.Extract(answerText)
	facts = attachQueries(queries, facts)

	var out []domain.Citation
	byText := map[string]int{}
	for _, claim := range extracted {
		sources := e.structuredSources(claim, facts)
		for _, chunk := range chunks {
			if src, ok := e.matchChunk(claim, chunk); ok {
				sources = append(sources, src)
			}
		}
		if len(sources) == 0 {
			continue
		}

		key := string(claim.Kind) + "|" + normalizeClaimText(claim.Text)
		if i, ok := byText[key]; ok {
			out[i].Sources = e.finalize(append(out[i].Sources, sources...))
			continue
		}
		byText[key] = len(out)
		out = append(out, domain.Citation{Claim: claim, Sources: e.finalize(sources)})
	}
	return out
}

// finalize ranks by match kind then confidence, drops repeated document locations keeping
// the first, and caps the list.
func (e *Extractor) finalize(sources []domain.CitationSource) []domain.CitationSource {
	sort.SliceStable(sources, func(i, j int) bool {
		oi, oj := matchOrder[sources[i].Match], matchOrder[sources[j].Match]
		if oi != oj {
			return oi < oj
		}
		return sources[i].Confidence > sources[j].Confidence
	})
	seen := make(map[string]struct{}, len(sources))
	out := make([]domain.CitationSource, 0, len(sources))
	for _, s := range sources {
		id := s.Identity()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, s)
		if len(out) == e.cfg.MaxSources {
			break
		}
	}
	return out
}

func (e *Extractor) matchChunk(claim domain.Claim, chunk domain.Chunk) (domain.CitationSource, bool) {
	if claim.Text == "" || chunk.Text == "" {
		return domain.CitationSource{}, false
	}
	if i := claims.IndexLiteral(chunk.Text, claim.Text); i >= 0 {
		return e.documentSource(chunk, domain.MatchExact, confidenceExact, i, i+len(claim.Text)), true
	}
	if start, end, sim, ok := e.fuzzyMatch(claim.Text, chunk.Text); ok && supports(claim, chunk.Text[start:end]) {
		return e.documentSource(chunk, domain.MatchFuzzy, fuzzyConfidenceScale*sim, start, end), true
	}
	for _, span := range claims.Candidates(chunk.Text, claim.Kind) {
		if ok, _ := claims.Agrees(claim, span.Value); ok {
			return e.documentSource(chunk, domain.MatchNumeric, confidenceNumeric, span.Start, span.End), true
		}
	}
	return domain.CitationSource{}, false
}

// supports reports whether window states a value agreeing with the claim. "$1,600,000"
// is textually close to "$1,500,000" but does not support it.
func supports(claim domain.Claim, window string) bool {
	for _, span := range claims.Candidates(window, claim.Kind) {
		if ok, _ := claims.Agrees(claim, span.Value); ok {
			return true
		}
	}
	return false
}

// WithoutFlagged drops citations whose claim the detector flagged, so an annotated
// answer never marks the same literal as both cited and unverified.
func WithoutFlagged(citations []domain.Citation, flagged []domain.Claim) []domain.Citation {
	if len(flagged) == 0 {
		return citations
	}
	spans := make(map[[2]int]struct{}, len(flagged))
	for _, c := range flagged {
		spans[[2]int{c.Start, c.End}] = struct{}{}
	}
	out := make([]domain.Citation, 0, len(citations))
	for _, c := range citations {
		if _, ok := spans[[2]int{c.Claim.Start, c.Claim.End}]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// fuzzyMatch slides word windows of the claim's length (+/-1 word) across the chunk.
func (e *Extractor) fuzzyMatch(needle, haystack string) (int, int, float64, bool) {
	if e.similarity == nil {
		return 0, 0, 0, false
	}
	words := wordPattern.FindAllStringIndex(haystack, -1)
	size := len(strings.Fields(needle))
	if size == 0 || len(words) == 0 {
		return 0, 0, 0, false
	}

	bestStart, bestEnd, best := 0, 0, 0.0
	for n := size - 1; n <= size+1; n++ {
		if n < 1 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			start, end := words[i][0], words[i+n-1][1]
			if sim := e.similarity.Similarity(needle, haystack[start:end]); sim > best {
				bestStart, bestEnd, best = start, end, sim
			}
		}
	}
	if best < e.cfg.FuzzyThreshold {
		return 0, 0, 0, false
	}
	return bestStart, bestEnd, best, true
}

func (e *Extractor) documentSource(chunk domain.Chunk, match domain.MatchKind, confidence float64, start, end int) domain.CitationSource {
	return domain.CitationSource{
		Type:         domain.SourceDocument,
		Match:        match,
		DocumentID:   chunk.DocumentID,
		ChunkID:      chunk.ID,
		DocumentType: chunk.DocumentType,
		PropertyID:   chunk.PropertyID,
		Period:       chunk.Period,
		Position:     chunk.Position,
		Excerpt:      excerpt(chunk.Text, start, end, e.cfg.ExcerptWindow),
		Confidence:   confidence,
	}
}

func (e *Extractor) structuredSources(claim domain.Claim, facts []domain.StructuredFact) []domain.CitationSource {
	var out []domain.CitationSource
	for _, fact := range facts {
		if claim.Metric != "" && fact.Field != "" && !strings.EqualFold(claim.Metric, fact.Field) {
			continue
		}
		if fact.Kind != "" && fact.Kind != claim.Kind {
			continue
		}
		if ok, _ := claims.Agrees(claim, fact.Value); !ok {
			continue
		}
		out = append(out, domain.CitationSource{
			Type:       domain.SourceStructured,
			Match:      domain.MatchStructured,
			PropertyID: fact.PropertyID,
			Period:     fact.Period,
			Field:      fact.Field,
			Excerpt:    fact.Field + " = " + formatValue(fact.Value),
			Confidence: confidenceStructured,
		})
	}
	return out
}

// attachQueries fills scope on facts returned positionally for the queries that produced them.
func attachQueries(queries []domain.StructuredQuery, facts []domain.StructuredFact) []domain.StructuredFact {
	if len(queries) != len(facts) {
		return facts
	}
	out := make([]domain.StructuredFact, len(facts))
	for i, f := range facts {
		q := queries[i]
		if f.PropertyID == "" {
			f.PropertyID = q.PropertyID
		}
		if f.Period == "" {
			f.Period = q.Period
		}
		if f.Field == "" {
			f.Field = q.Field
		}
		out[i] = f
	}
	return out
}

func normalizeClaimText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func excerpt(text string, start, end, size int) string {
	from := start - size/2
	if from < 0 {
		from = 0
	}
	to := end + size/2
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	out := strings.TrimSpace(text[from:to])
	if from > 0 {
		out = "..." + out
	}
	if to < len(text) {
		out += "..."
	}
	return out
}
