package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

// CorpusSyncUseCase feeds corpus change events into the keyword index rebuild policy.
type CorpusSyncUseCase struct {
	index  ports.KeywordIndex
	logger *slog.Logger
}

func NewCorpusSyncUseCase(index ports.KeywordIndex, logger *slog.Logger) *CorpusSyncUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorpusSyncUseCase{index: index, logger: logger.With("component", "corpus_sync")}
}

func (uc *CorpusSyncUseCase) HandleCorpusChange(ctx context.Context, change domain.CorpusChange) error {
	records := change.Records()
	if records <= 0 {
		return nil
	}
	uc.logger.Debug("corpus_change_received",
		"event_id", change.EventID,
		"document_id", change.DocumentID,
		"records", records,
	)
	uc.index.RecordCorpusChange(ctx, records)
	return nil
}
