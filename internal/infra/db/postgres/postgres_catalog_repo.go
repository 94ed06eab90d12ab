package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
)

var _ repository.CatalogRepository = (*catalogRepo)(nil)

// catalogRepo reads display names from the platform's own tables.
type catalogRepo struct{ pool *pgxpool.Pool }

func NewCatalogRepo(pool *pgxpool.Pool) *catalogRepo {
	return &catalogRepo{pool: pool}
}

func (r *catalogRepo) Describe(ctx context.Context, tx repository.Tx, subscriberID, courseID string) (*model.DisplayMetadata, error) {
	const q = `
SELECT COALESCE((SELECT c.name FROM courses c WHERE c.id = $2), ''),
       COALESCE((SELECT i.name FROM courses c JOIN institutions i ON i.id = c.institution_id WHERE c.id = $2), ''),
       COALESCE((SELECT u.display_name FROM users u WHERE u.id = $1), '');`

	row, err := pickRow(ctx, r.pool, tx, q, subscriberID, courseID)
	if err != nil {
		return nil, err
	}
	var m model.DisplayMetadata
	if err := row.Scan(&m.CourseName, &m.InstitutionName, &m.SubscriberName); err != nil {
		return nil, mapReadErr(err)
	}
	return &m, nil
}
