// Package services holds the account management operations behind the
// trigger endpoint.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
	"github.com/dmitrijs2005/harmony/internal/transport/jmap"
	"github.com/google/uuid"
)

// Sealer encrypts connection parameters before they are stored.
type Sealer interface {
	Seal(v any) ([]byte, error)
}

// ConnectRequest describes a new service account.
type ConnectRequest struct {
	UserID     string
	Connection jmap.Config

	// Settings per entity type; when empty every type is harmonized in
	// cached mode with the default policy.
	Settings map[models.EntityType]models.TypeSettings
}

type AccountService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	sealer       Sealer
	leaseTimeout time.Duration
	now          func() time.Time
	logger       logging.Logger
}

func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, sealer Sealer, leaseTimeout time.Duration, logger logging.Logger) *AccountService {
	return &AccountService{
		db:           db,
		repomanager:  m,
		sealer:       sealer,
		leaseTimeout: leaseTimeout,
		now:          time.Now,
		logger:       logging.Module(logger, "accounts"),
	}
}

// Connect stores a new enabled, connected account with sealed credentials.
func (s *AccountService) Connect(ctx context.Context, req ConnectRequest) (*models.ServiceAccount, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", common.ErrInvalidArgument)
	}
	u, err := url.Parse(req.Connection.SessionURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: session url %q", common.ErrInvalidArgument, req.Connection.SessionURL)
	}

	settings := req.Settings
	if len(settings) == 0 {
		settings = make(map[models.EntityType]models.TypeSettings, len(models.EntityTypes))
		for _, t := range models.EntityTypes {
			settings[t] = models.TypeSettings{Mode: models.SyncModeCached, Policy: models.PolicyLocalWins}
		}
	}

	sealed, err := s.sealer.Seal(req.Connection)
	if err != nil {
		return nil, fmt.Errorf("seal connection: %w", err)
	}

	a := &models.ServiceAccount{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Connection: sealed,
		Enabled:    true,
		Connected:  true,
		Settings:   settings,
	}
	if err := s.repomanager.Accounts(s.db).Create(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	s.logger.Info(ctx, "account connected", "account", a.ID, "user", a.UserID, "host", u.Host)
	return a, nil
}

// Disconnect removes the account with its collections, entities and
// chronicle. An account under a live lease is refused with
// common.ErrLockHeld.
func (s *AccountService) Disconnect(ctx context.Context, id string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Accounts(tx)
		a, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Locked && !a.LeaseStale(s.now(), s.leaseTimeout) {
			return fmt.Errorf("%w: %s", common.ErrLockHeld, a.LeaseHolder)
		}
		return repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "account disconnected", "account", id)
	return nil
}

// Get returns the account or common.ErrorNotFound.
func (s *AccountService) Get(ctx context.Context, id string) (*models.ServiceAccount, error) {
	return s.repomanager.Accounts(s.db).GetByID(ctx, id)
}
