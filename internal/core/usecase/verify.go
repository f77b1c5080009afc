package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/evidence-core/internal/core/citation"
	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/hallucination"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type VerifyUseCase struct {
	detector  *hallucination.Detector
	citations *citation.Extractor
	audit     ports.AuditPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewVerifyUseCase wires the detector and citation extractor. audit may be nil.
func NewVerifyUseCase(
	detector *hallucination.Detector,
	citations *citation.Extractor,
	audit ports.AuditPublisher,
	logger *slog.Logger,
) *VerifyUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifyUseCase{
		detector:  detector,
		citations: citations,
		audit:     audit,
		logger:    logger.With("component", "answer_verifier"),
		now:       time.Now,
	}
}

func (uc *VerifyUseCase) VerifyAndCite(
	ctx context.Context,
	answerText string,
	evidence []domain.Chunk,
	vctx domain.VerificationContext,
) (*domain.VerifiedAnswer, error) {
	if strings.TrimSpace(answerText) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "verify answer", errors.New("answer text is required"))
	}

	detection, err := uc.detector.Detect(ctx, answerText, evidence, vctx)
	if err != nil {
		return nil, err
	}

	citations := citation.WithoutFlagged(
		uc.citations.ExtractCitations(answerText, evidence, nil, detection.Facts),
		detection.FlaggedClaims,
	)
	verified := &domain.VerifiedAnswer{
		Text:                 citation.Annotate(answerText, citations, detection.FlaggedClaims),
		Original:             answerText,
		Confidence:           clampConfidence(1 + detection.ConfidenceAdjustment),
		ConfidenceAdjustment: detection.ConfidenceAdjustment,
		Detection:            detection,
		Citations:            citations,
		Footnotes:            citation.FormatFootnotes(citations),
	}

	uc.publishAudit(ctx, vctx, detection)
	return verified, nil
}

func (uc *VerifyUseCase) publishAudit(ctx context.Context, vctx domain.VerificationContext, detection domain.DetectionResult) {
	if uc.audit == nil || len(detection.Claims) == 0 {
		return
	}
	audit := ports.VerificationAudit{
		EventID:              uuid.NewString(),
		Context:              vctx,
		Claims:               detection.Claims,
		FlaggedClaims:        len(detection.FlaggedClaims),
		ConfidenceAdjustment: detection.ConfidenceAdjustment,
		OccurredAt:           uc.now().UTC(),
	}
	if err := uc.audit.PublishVerification(context.WithoutCancel(ctx), audit); err != nil {
		uc.logger.Warn("verification_audit_failed", "event_id", audit.EventID, "error", err)
	}
}

func clampConfidence(v float64) float64 {
	return min(1, max(0, v))
}
