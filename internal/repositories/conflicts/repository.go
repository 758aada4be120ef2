// Package conflicts stores the report of every resolved conflict.
package conflicts

import (
	"context"

	"github.com/dmitrijs2005/harmony/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, c *models.ConflictRecord) error

	// ListByAccount returns the newest limit records, newest first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.ConflictRecord, error)
}
