package accounts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/harmony/internal/models"
)

// Lease is the lock triple stored on an account row.
type Lease struct {
	Locked    bool
	Holder    string
	Heartbeat time.Time
}

// Repository describes persistence of service accounts and their lease fields.
type Repository interface {
	// Create inserts a new account.
	Create(ctx context.Context, a *models.ServiceAccount) error

	// GetByID returns the account or common.ErrorNotFound.
	GetByID(ctx context.Context, id string) (*models.ServiceAccount, error)

	// List returns all accounts ordered by id.
	List(ctx context.Context) ([]*models.ServiceAccount, error)

	// Delete removes the account; collections, entities and chronicle
	// records cascade.
	Delete(ctx context.Context, id string) error

	// SetConnected flips the connected flag.
	SetConnected(ctx context.Context, id string, connected bool) error

	// UpdateSettings replaces the per-entity-type settings and enabled flag.
	UpdateSettings(ctx context.Context, id string, enabled bool, settings map[models.EntityType]models.TypeSettings) error

	// RecordRun stores the end state of the last harmonization run.
	RecordRun(ctx context.Context, id string, state models.RunState, at time.Time, reason string) error

	// SwapLease replaces the lease only if the stored lease still equals
	// expect. It reports whether the swap happened.
	SwapLease(ctx context.Context, id string, expect, next Lease) (bool, error)

	// TouchLease refreshes the heartbeat when holder still owns the lease.
	TouchLease(ctx context.Context, id, holder string, at time.Time) (bool, error)

	// ClearLease unlocks the account when holder owns the lease.
	ClearLease(ctx context.Context, id, holder string) (bool, error)
}
