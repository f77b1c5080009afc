package hallucination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

type fakeFactStore struct {
	facts    []domain.StructuredFact
	err      error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	queries  []domain.StructuredQuery
}

func (f *fakeFactStore) LookupFacts(ctx context.Context, q domain.StructuredQuery) ([]domain.StructuredFact, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.StructuredFact
	for _, fact := range f.facts {
		if fact.PropertyID != q.PropertyID || fact.Period != q.Period {
			continue
		}
		if q.Field != "" && fact.Field != q.Field {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}

var scope = domain.VerificationContext{PropertyID: "p-100", Period: "2024-Q3"}

func noiFact(v float64) domain.StructuredFact {
	return domain.StructuredFact{PropertyID: "p-100", Period: "2024-Q3", Field: "noi", Kind: domain.ClaimCurrency, Value: v}
}

func TestDetectVerifiesAgainstStructuredValue(t *testing.T) {
	store := &fakeFactStore{facts: []domain.StructuredFact{noiFact(1234567.89)}}
	detector := NewDetector(nil, store, DefaultConfig(), nil, nil)

	res, err := detector.Detect(context.Background(), "NOI was $1,234,567.89", nil, scope)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasHallucinations || len(res.FlaggedClaims) != 0 {
		t.Fatalf("expected no flagged claims, got %+v", res.FlaggedClaims)
	}
	if res.ConfidenceAdjustment != 0 {
		t.Fatalf("expected zero adjustment, got %f", res.ConfidenceAdjustment)
	}
	if len(res.Claims) != 1 || !res.Claims[0].Verified || res.Claims[0].VerificationSource != "structured:noi" {
		t.Fatalf("unexpected claims %+v", res.Claims)
	}
	if len(res.Facts) != 1 || res.Facts[0].Field != "noi" {
		t.Fatalf("expected the matching fact to be reported, got %+v", res.Facts)
	}
	if store.queries[0].Field != "noi" {
		t.Fatalf("expected lookup scoped to the noi field, got %+v", store.queries[0])
	}
}

func TestDetectFlagsMismatchedValue(t *testing.T) {
	store := &fakeFactStore{facts: []domain.StructuredFact{noiFact(1500000)}}
	detector := NewDetector(nil, store, DefaultConfig(), nil, nil)

	res, err := detector.Detect(context.Background(), "NOI was $1,234,567.89", nil, scope)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !res.HasHallucinations || len(res.FlaggedClaims) != 1 {
		t.Fatalf("expected one flagged claim, got %+v", res)
	}
	if res.ConfidenceAdjustment >= 0 {
		t.Fatalf("expected negative adjustment, got %f", res.ConfidenceAdjustment)
	}
	if tol := res.FlaggedClaims[0].Tolerance; tol < 1499.999 || tol > 1500.001 {
		t.Fatalf("expected tolerance against the closest fact, got %f", res.FlaggedClaims[0].Tolerance)
	}
}

func TestDetectFallsBackToDocumentsWhenStoreFails(t *testing.T) {
	store := &fakeFactStore{err: errors.New("connection reset")}
	detector := NewDetector(nil, store, DefaultConfig(), nil, nil)
	sources := []domain.Chunk{
		{ID: "c0", Text: "Occupancy 91%"},
		{ID: "c1", Text: "Net operating income 1,234,567.89 for the quarter"},
	}

	res, err := detector.Detect(context.Background(), "NOI was $1,234,567.89", sources, scope)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasHallucinations {
		t.Fatalf("expected document fallback to verify claim, got %+v", res.FlaggedClaims)
	}
	if got := res.Claims[0].VerificationSource; got != "document:c1" {
		t.Fatalf("expected document:c1, got %s", got)
	}
	if res.Claims[0].Score != scoreNumeric {
		t.Fatalf("expected numeric score, got %f", res.Claims[0].Score)
	}
}

func TestDetectMatchesLiteralWithoutScope(t *testing.T) {
	detector := NewDetector(nil, &fakeFactStore{}, DefaultConfig(), nil, nil)
	sources := []domain.Chunk{{ID: "c9", Text: "Occupancy reached 92.5% at quarter end."}}

	res, err := detector.Detect(context.Background(), "Occupancy was 92.5%.", sources, domain.VerificationContext{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasHallucinations || res.Claims[0].Score != scoreLiteral {
		t.Fatalf("expected literal document match, got %+v", res.Claims)
	}
}

func TestDetectRejectsLiteralInsideLargerNumber(t *testing.T) {
	detector := NewDetector(nil, &fakeFactStore{}, DefaultConfig(), nil, nil)
	cases := []struct {
		answer string
		chunk  string
	}{
		{"Occupancy was 5%.", "Occupancy was 95% at year end."},
		{"NOI was $1,234.", "NOI was $1,234,567.89 for the quarter."},
		{"DSCR was 2.5x.", "DSCR was 12.5x at close."},
	}
	for _, tc := range cases {
		res, err := detector.Detect(context.Background(), tc.answer, []domain.Chunk{{ID: "c1", Text: tc.chunk}}, domain.VerificationContext{})
		if err != nil {
			t.Fatalf("detect %q: %v", tc.answer, err)
		}
		if !res.HasHallucinations || len(res.FlaggedClaims) != 1 {
			t.Fatalf("expected %q flagged against %q, got %+v", tc.answer, tc.chunk, res.Claims)
		}
	}
}

func TestDetectWithoutClaims(t *testing.T) {
	detector := NewDetector(nil, nil, DefaultConfig(), nil, nil)
	res, err := detector.Detect(context.Background(), "The property is well maintained.", nil, scope)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.HasHallucinations || res.ConfidenceAdjustment != 0 || len(res.Claims) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestDetectBoundsConcurrentLookups(t *testing.T) {
	store := &fakeFactStore{delay: 5 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Workers = 3
	detector := NewDetector(nil, store, cfg, nil, nil)

	parts := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		parts = append(parts, fmt.Sprintf("expense line %d was $%d,000", i, i+10))
	}
	res, err := detector.Detect(context.Background(), strings.Join(parts, ". "), nil, scope)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Claims) != 12 {
		t.Fatalf("expected 12 claims, got %d", len(res.Claims))
	}
	if peak := store.peak.Load(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent lookups, saw %d", peak)
	}
	for i, c := range res.Claims {
		if c.ID != fmt.Sprintf("claim-%d", i+1) {
			t.Fatalf("expected claims in text order, got %s at %d", c.ID, i)
		}
	}
}

func TestDetectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	detector := NewDetector(nil, &fakeFactStore{}, DefaultConfig(), nil, nil)
	if _, err := detector.Detect(ctx, "NOI was $1,000", nil, scope); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPenaltyPoliciesAreMonotone(t *testing.T) {
	policies := map[string]PenaltyPolicy{
		"linear":  LinearPenalty{Max: 0.5},
		"stepped": SteppedPenalty{Steps: DefaultSteps(0.5)},
	}
	for name, policy := range policies {
		if got := policy.Adjustment(0, 8); got != 0 {
			t.Fatalf("%s: expected 0 with no flagged claims, got %f", name, got)
		}
		prev := 0.0
		for flagged := 1; flagged <= 8; flagged++ {
			adj := policy.Adjustment(flagged, 8)
			if adj > prev || adj >= 0 {
				t.Fatalf("%s: adjustment %f at %d flagged is not below %f", name, adj, flagged, prev)
			}
			prev = adj
		}
	}
}

func TestPolicyByName(t *testing.T) {
	if _, err := PolicyByName("stepped", 0.4); err != nil {
		t.Fatalf("stepped: %v", err)
	}
	if _, err := PolicyByName("exponential", 0.4); err == nil {
		t.Fatalf("expected unknown policy error")
	}
	if _, err := PolicyByName("linear", 0); err == nil {
		t.Fatalf("expected invalid max error")
	}
}
