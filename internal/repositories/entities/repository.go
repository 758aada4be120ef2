// Package entities persists synchronized items together with their local
// signature and the last signature agreed with the remote side.
package entities

import (
	"context"

	"github.com/dmitrijs2005/harmony/internal/models"
)

type Repository interface {
	// Upsert inserts the entity or replaces every mutable column of the
	// row with the same id.
	Upsert(ctx context.Context, e *models.Entity) error

	GetByID(ctx context.Context, id string) (*models.Entity, error)
	GetByUUID(ctx context.Context, collectionID, uuid string) (*models.Entity, error)
	GetByRemoteID(ctx context.Context, collectionID, remoteID string) (*models.Entity, error)

	// ListByCollection returns all rows including tombstones, ordered by id.
	ListByCollection(ctx context.Context, collectionID string) ([]*models.Entity, error)

	Delete(ctx context.Context, id string) error
}
