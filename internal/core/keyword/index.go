package keyword

import (
	"math"
	"sort"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

type posting struct {
	doc int
	tf  int
}

// index is immutable once built; rebuilds produce a new value that replaces it wholesale.
type index struct {
	generation uint64
	builtAt    time.Time
	chunks     []domain.Chunk
	lengths    []int
	avgLen     float64
	postings   map[string][]posting
}

func buildIndex(chunks []domain.Chunk, generation uint64, builtAt time.Time) *index {
	sorted := make([]domain.Chunk, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	idx := &index{
		generation: generation,
		builtAt:    builtAt,
		chunks:     sorted,
		lengths:    make([]int, len(sorted)),
		postings:   make(map[string][]posting),
	}

	total := 0
	for doc, c := range sorted {
		terms := Tokenize(c.Text)
		idx.lengths[doc] = len(terms)
		total += len(terms)

		freq := make(map[string]int, len(terms))
		for _, term := range terms {
			freq[term]++
		}
		for term, tf := range freq {
			idx.postings[term] = append(idx.postings[term], posting{doc: doc, tf: tf})
		}
	}
	if len(sorted) > 0 {
		idx.avgLen = float64(total) / float64(len(sorted))
	}
	return idx
}

func (idx *index) search(query string, topK int, filters domain.Filters, k1, b float64) []domain.RetrievalResult {
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 || len(idx.chunks) == 0 {
		return nil
	}

	n := float64(len(idx.chunks))
	scores := make(map[int]float64)
	for _, term := range terms {
		postings := idx.postings[term]
		if len(postings) == 0 {
			continue
		}
		idf := inverseDocumentFrequency(n, float64(len(postings)))
		for _, p := range postings {
			if !filters.Matches(idx.chunks[p.doc]) {
				continue
			}
			scores[p.doc] += idf * saturatedTF(float64(p.tf), float64(idx.lengths[p.doc]), idx.avgLen, k1, b)
		}
	}

	docs := make([]int, 0, len(scores))
	for doc := range scores {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		si, sj := scores[docs[i]], scores[docs[j]]
		if si != sj {
			return si > sj
		}
		return idx.chunks[docs[i]].ID < idx.chunks[docs[j]].ID
	})
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}

	out := make([]domain.RetrievalResult, 0, len(docs))
	for i, doc := range docs {
		out = append(out, domain.RetrievalResult{
			Chunk:  idx.chunks[doc],
			Score:  scores[doc],
			Rank:   i + 1,
			Source: domain.SourceKeyword,
		})
	}
	return out
}

func inverseDocumentFrequency(totalDocs, docFreq float64) float64 {
	return math.Log((totalDocs-docFreq+0.5)/(docFreq+0.5) + 1)
}

func saturatedTF(tf, docLen, avgLen, k1, b float64) float64 {
	if avgLen == 0 {
		return 0
	}
	return (tf * (k1 + 1)) / (tf + k1*(1-b+b*docLen/avgLen))
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
