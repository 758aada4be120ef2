// Package collections persists local collections (address books, calendars,
// task lists) and their local/remote state tokens.
package collections

import (
	"context"

	"github.com/dmitrijs2005/harmony/internal/models"
)

type Repository interface {
	Create(ctx context.Context, c *models.Collection) error
	GetByID(ctx context.Context, id string) (*models.Collection, error)
	GetByRemoteID(ctx context.Context, accountID, remoteID string) (*models.Collection, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.Collection, error)
	Update(ctx context.Context, c *models.Collection) error

	// SaveState stores both state tokens in one statement.
	SaveState(ctx context.Context, id, localState, remoteState string) error

	Delete(ctx context.Context, id string) error
}
