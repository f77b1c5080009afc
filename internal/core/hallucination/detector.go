// Package hallucination verifies numeric claims in generated answers against structured
// financial facts and the evidence chunks the answer was generated from.
package hallucination

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/evidence-core/internal/core/claims"
	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

const (
	scoreStructured = 1.0
	scoreLiteral    = 0.9
	scoreNumeric    = 0.75
)

type Config struct {
	Workers       int
	LookupTimeout time.Duration
	Policy        PenaltyPolicy
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		LookupTimeout: 500 * time.Millisecond,
		Policy:        LinearPenalty{Max: 0.5},
	}
}

type Detector struct {
	extractor *claims.Extractor
	store     ports.StructuredDataStore
	cfg       Config
	logger    *slog.Logger
	observer  ports.PipelineObserver
}

func NewDetector(extractor *claims.Extractor, store ports.StructuredDataStore, cfg Config, logger *slog.Logger, observer ports.PipelineObserver) *Detector {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	if extractor == nil {
		extractor = claims.NewExtractor(claims.Config{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &Detector{
		extractor: extractor,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "hallucination_detector"),
		observer:  observer,
	}
}

type verification struct {
	claim domain.Claim
	fact  *domain.StructuredFact
}

// Detect extracts claims from answerText and verifies each independently on a bounded pool.
// Only cancellation of ctx is returned as an error.
func (d *Detector) Detect(ctx context.Context, answerText string, sources []domain.Chunk, vctx domain.VerificationContext) (domain.DetectionResult, error) {
	extracted, parseErrs := d.extractor.Extract(answerText)
	for _, err := range parseErrs {
		d.logger.Warn("claim_skipped", "error", err)
	}
	if len(extracted) == 0 {
		d.observer.ObserveVerification(0, 0, 0)
		return domain.DetectionResult{Claims: []domain.Claim{}, FlaggedClaims: []domain.Claim{}}, nil
	}

	results := make([]verification, len(extracted))
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for i, claim := range extracted {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = d.verify(ctx, claim, sources, vctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.DetectionResult{}, err
	}

	out := domain.DetectionResult{
		Claims:        make([]domain.Claim, 0, len(results)),
		FlaggedClaims: []domain.Claim{},
	}
	seenFacts := map[string]struct{}{}
	for _, r := range results {
		out.Claims = append(out.Claims, r.claim)
		if !r.claim.Verified {
			out.FlaggedClaims = append(out.FlaggedClaims, r.claim)
			d.logger.Info("claim_flagged", "claim", r.claim.Text, "kind", r.claim.Kind, "metric", r.claim.Metric)
		}
		if r.fact != nil {
			key := r.fact.PropertyID + "|" + r.fact.Period + "|" + r.fact.Field
			if _, ok := seenFacts[key]; !ok {
				seenFacts[key] = struct{}{}
				out.Facts = append(out.Facts, *r.fact)
			}
		}
	}
	out.HasHallucinations = len(out.FlaggedClaims) > 0
	out.ConfidenceAdjustment = d.cfg.Policy.Adjustment(len(out.FlaggedClaims), len(out.Claims))
	d.observer.ObserveVerification(len(out.Claims), len(out.FlaggedClaims), out.ConfidenceAdjustment)
	return out, nil
}

func (d *Detector) verify(ctx context.Context, claim domain.Claim, sources []domain.Chunk, vctx domain.VerificationContext) verification {
	if fact, tol, ok := d.verifyStructured(ctx, claim, vctx); ok {
		claim.Verified = true
		claim.VerificationSource = "structured:" + fact.Field
		claim.Score = scoreStructured
		claim.Tolerance = tol
		return verification{claim: claim, fact: &fact}
	} else if tol > 0 {
		claim.Tolerance = tol
	}

	if chunk, score, tol, ok := verifyDocuments(claim, sources); ok {
		claim.Verified = true
		claim.VerificationSource = "document:" + chunk.ID
		claim.Score = score
		claim.Tolerance = tol
		return verification{claim: claim}
	}

	claim.Verified = false
	claim.Score = 0
	if claim.Tolerance == 0 {
		claim.Tolerance = claims.Tolerance(claim, claim.Value)
	}
	return verification{claim: claim}
}

// verifyStructured reports the matching fact, or on a miss the tolerance applied against the
// closest fact of the same kind.
func (d *Detector) verifyStructured(ctx context.Context, claim domain.Claim, vctx domain.VerificationContext) (domain.StructuredFact, float64, bool) {
	if d.store == nil || !vctx.HasScope() {
		return domain.StructuredFact{}, 0, false
	}
	lctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	facts, err := d.store.LookupFacts(lctx, domain.StructuredQuery{
		PropertyID: vctx.PropertyID,
		Period:     vctx.Period,
		Field:      claim.Metric,
	})
	if err != nil {
		d.logger.Warn("structured_verification_failed",
			"claim", claim.Text,
			"error", domain.WrapError(domain.ErrVerificationSource, "lookup facts", err),
		)
		return domain.StructuredFact{}, 0, false
	}

	closest := math.Inf(1)
	closestTol := 0.0
	for _, fact := range facts {
		if !compatible(claim, fact) {
			continue
		}
		ok, tol := claims.Agrees(claim, fact.Value)
		if ok {
			return fact, tol, true
		}
		if diff := math.Abs(claim.Value - fact.Value); diff < closest {
			closest, closestTol = diff, tol
		}
	}
	return domain.StructuredFact{}, closestTol, false
}

func compatible(claim domain.Claim, fact domain.StructuredFact) bool {
	if claim.Metric != "" && fact.Field != "" && !strings.EqualFold(claim.Metric, fact.Field) {
		return false
	}
	if fact.Kind == "" {
		return claim.Kind != domain.ClaimDate
	}
	return fact.Kind == claim.Kind
}

// verifyDocuments looks for the literal first, then an equivalent value within tolerance.
func verifyDocuments(claim domain.Claim, sources []domain.Chunk) (domain.Chunk, float64, float64, bool) {
	for _, chunk := range sources {
		if claims.IndexLiteral(chunk.Text, claim.Text) >= 0 {
			return chunk, scoreLiteral, 0, true
		}
	}
	for _, chunk := range sources {
		for _, span := range claims.Candidates(chunk.Text, claim.Kind) {
			if ok, tol := claims.Agrees(claim, span.Value); ok {
				return chunk, scoreNumeric, tol, true
			}
		}
	}
	return domain.Chunk{}, 0, 0, false
}
