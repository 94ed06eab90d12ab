package repository

import (
	"context"

	"eduvault-payments/internal/domain/model"
)

// CatalogRepository reads display names owned by the wider platform
// (courses, institutions, users). Read-only.
type CatalogRepository interface {
	Describe(ctx context.Context, tx Tx, subscriberID, courseID string) (*model.DisplayMetadata, error)
}
