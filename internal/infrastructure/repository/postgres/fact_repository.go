package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

// FactRepository serves the predefined structured lookups used for claim verification.
type FactRepository struct {
	db *sql.DB
}

func NewFactRepository(db *sql.DB) *FactRepository {
	return &FactRepository{db: db}
}

func (r *FactRepository) LookupFacts(ctx context.Context, q domain.StructuredQuery) ([]domain.StructuredFact, error) {
	q.PropertyID = strings.TrimSpace(q.PropertyID)
	q.Period = strings.TrimSpace(q.Period)
	q.Field = strings.ToLower(strings.TrimSpace(q.Field))
	if q.PropertyID == "" || q.Period == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "lookup facts", errors.New("property_id and period are required"))
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT property_id, period, field, kind, value
FROM financial_facts
WHERE property_id = $1 AND period = $2 AND ($3 = '' OR field = $3)
ORDER BY field
`, q.PropertyID, q.Period, q.Field)
	if err != nil {
		return nil, fmt.Errorf("lookup facts: %w", err)
	}
	defer rows.Close()

	var out []domain.StructuredFact
	for rows.Next() {
		var f domain.StructuredFact
		var kind string
		if err := rows.Scan(&f.PropertyID, &f.Period, &f.Field, &kind, &f.Value); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Kind = domain.ClaimKind(kind)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}
