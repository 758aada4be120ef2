// Package chronicle persists the append-only per-collection change log and
// the trim horizon of each collection.
package chronicle

import (
	"context"

	"github.com/dmitrijs2005/harmony/internal/models"
)

// Position is a (stamp, id) point in a collection's log. Records are totally
// ordered by Position.
type Position struct {
	Stamp int64
	ID    int64
}

type Repository interface {
	// Insert appends rec and returns its assigned id.
	Insert(ctx context.Context, rec *models.ChronicleRecord) (int64, error)

	// CollectionsBefore lists collections holding records with stamp < stamp.
	CollectionsBefore(ctx context.Context, stamp int64) ([]string, error)

	// Apex returns the position of the newest record of the collection.
	// The bool is false when the collection has no records.
	Apex(ctx context.Context, collectionID string) (Position, bool, error)

	// ListAfter returns up to limit records strictly after pos, ordered.
	ListAfter(ctx context.Context, collectionID string, pos Position, limit int) ([]*models.ChronicleRecord, error)

	// ListBefore returns up to limit records with stamp < stamp, ordered.
	ListBefore(ctx context.Context, collectionID string, stamp int64, limit int) ([]*models.ChronicleRecord, error)

	// DeleteThrough removes every record at or before pos.
	DeleteThrough(ctx context.Context, collectionID string, pos Position) (int64, error)

	// SetHorizon records the newest trimmed position.
	SetHorizon(ctx context.Context, collectionID string, pos Position) error

	// Horizon returns the trim horizon; false when nothing was trimmed yet.
	Horizon(ctx context.Context, collectionID string) (Position, bool, error)
}
