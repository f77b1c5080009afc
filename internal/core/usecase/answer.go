package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

type AnswerUseCase struct {
	retriever ports.EvidenceRetriever
	generator ports.AnswerGenerator
	verifier  ports.AnswerVerifier
	cache     ports.ResponseCache
	logger    *slog.Logger
}

// NewAnswerUseCase builds the full pipeline. cache may be nil.
func NewAnswerUseCase(
	retriever ports.EvidenceRetriever,
	generator ports.AnswerGenerator,
	verifier ports.AnswerVerifier,
	cache ports.ResponseCache,
	logger *slog.Logger,
) *AnswerUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerUseCase{
		retriever: retriever,
		generator: generator,
		verifier:  verifier,
		cache:     cache,
		logger:    logger.With("component", "answer_pipeline"),
	}
}

func (uc *AnswerUseCase) Answer(
	ctx context.Context,
	question string,
	filters domain.Filters,
	topK int,
	opts domain.RetrieveOptions,
) (*domain.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("question is required"))
	}

	if uc.cache != nil {
		if hit, ok := uc.cache.Lookup(ctx, question, filters); ok {
			cached := hit.Entry.Answer
			return &domain.Answer{
				Question:             question,
				Text:                 cached.Text,
				Confidence:           cached.Confidence,
				ConfidenceAdjustment: cached.ConfidenceAdjustment,
				Citations:            cached.Citations,
				Footnotes:            cached.Footnotes,
				Cache:                hit,
			}, nil
		}
	}

	evidence, err := uc.retriever.RetrieveEvidence(ctx, question, filters, topK, opts)
	if err != nil {
		return nil, err
	}

	text, err := uc.generator.GenerateAnswer(ctx, question, evidence.Results)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	vctx := domain.VerificationContext{
		PropertyID: evidence.Query.Filters.PropertyID,
		Period:     evidence.Query.Filters.Period,
	}
	verified, err := uc.verifier.VerifyAndCite(ctx, text, evidence.Chunks(), vctx)
	if err != nil {
		return nil, fmt.Errorf("verify answer: %w", err)
	}

	answer := &domain.Answer{
		Question:             question,
		Text:                 verified.Text,
		Confidence:           verified.Confidence,
		ConfidenceAdjustment: verified.ConfidenceAdjustment,
		Citations:            verified.Citations,
		Footnotes:            verified.Footnotes,
		FlaggedClaims:        verified.Detection.FlaggedClaims,
		Evidence:             evidence,
	}

	// Answers with unverified claims are not cached.
	if uc.cache != nil && len(answer.FlaggedClaims) == 0 {
		cached := domain.CachedAnswer{
			Text:                 answer.Text,
			Confidence:           answer.Confidence,
			ConfidenceAdjustment: answer.ConfidenceAdjustment,
			Citations:            answer.Citations,
			Footnotes:            answer.Footnotes,
		}
		if _, err := uc.cache.Store(ctx, question, filters, cached); err != nil {
			uc.logger.Warn("cache_store_failed", "error", err)
		}
	}
	return answer, nil
}
