package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// ChunkRepository reads the visible chunk corpus for the keyword index.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) ListChunks(ctx context.Context) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, text, property_id, period, document_type, page, line, bbox
FROM chunks
WHERE deleted_at IS NULL
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var page, line int
		var bbox []byte
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Text, &c.PropertyID, &c.Period, &c.DocumentType,
			&page, &line, &bbox,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		pos, err := scanPosition(page, line, bbox)
		if err != nil {
			return nil, fmt.Errorf("unmarshal bbox for chunk %s: %w", c.ID, err)
		}
		c.Position = pos
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// scanPosition returns nil when the row carries no location metadata.
func scanPosition(page, line int, bbox []byte) (*domain.Position, error) {
	var box []float64
	if len(bbox) > 0 && string(bbox) != "null" {
		if err := json.Unmarshal(bbox, &box); err != nil {
			return nil, err
		}
	}
	if page == 0 && line == 0 && len(box) == 0 {
		return nil, nil
	}
	return &domain.Position{Page: page, Line: line, BBox: box}, nil
}
