package similarity

import (
	"math"
	"testing"
)

func TestLevenshteinSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"NOI", "noi", 1},
		{"", "", 1},
		{"abc", "", 0},
		{"kitten", "sitting", 1 - 3.0/7.0},
		{"net  operating income", "net operating income", 1},
	}
	var s Levenshtein
	for _, tc := range cases {
		if got := s.Similarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Similarity(%q, %q) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestLevenshteinSimilarityIsSymmetric(t *testing.T) {
	var s Levenshtein
	if s.Similarity("$1,234,567.89", "1,234,567.89") != s.Similarity("1,234,567.89", "$1,234,567.89") {
		t.Fatalf("expected symmetric similarity")
	}
}
