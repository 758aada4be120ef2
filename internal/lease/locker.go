// Package lease implements the per-account harmonization lease stored on the
// account row. The lease survives process restarts and is visible to every
// process sharing the database; all transitions are single conditional
// UPDATE statements, so concurrent acquirers cannot both win.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/repositories/accounts"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
)

// Clock returns the current time.
type Clock func() time.Time

// Locker acquires, refreshes and releases account leases.
type Locker struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	now    Clock
	logger logging.Logger
}

// NewLocker constructs a Locker. A nil clock reads wall time.
func NewLocker(db *sql.DB, repos repomanager.RepositoryManager, now Clock, logger logging.Logger) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{db: db, repos: repos, now: now, logger: logging.Module(logger, "lease")}
}

// Acquire takes the lease for holder. It succeeds when the account is
// unlocked or the current heartbeat is older than timeout; otherwise it
// fails with common.ErrLockHeld, also when holder already owns a live lease.
func (l *Locker) Acquire(ctx context.Context, accountID, holder string, timeout time.Duration) error {
	repo := l.repos.Accounts(l.db)

	a, err := repo.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", accountID, err)
	}

	now := l.now()
	if a.Locked && !a.LeaseStale(now, timeout) {
		return fmt.Errorf("account %s held by %s: %w", accountID, a.LeaseHolder, common.ErrLockHeld)
	}

	observed := accounts.Lease{Locked: a.Locked, Holder: a.LeaseHolder, Heartbeat: a.LeaseHeartbeat}
	ok, err := repo.SwapLease(ctx, accountID, observed, accounts.Lease{Locked: true, Holder: holder, Heartbeat: now})
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("account %s: lost acquire race: %w", accountID, common.ErrLockHeld)
	}

	if a.Locked {
		l.logger.Warn(ctx, "stale lease taken over",
			"account", accountID,
			"previous_holder", a.LeaseHolder,
			"age", now.Sub(a.LeaseHeartbeat).String(),
			"holder", holder,
		)
	}
	return nil
}

// Heartbeat refreshes the lease. It fails with common.ErrLockLost when
// holder no longer owns it.
func (l *Locker) Heartbeat(ctx context.Context, accountID, holder string) error {
	ok, err := l.repos.Accounts(l.db).TouchLease(ctx, accountID, holder, l.now())
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, common.ErrLockLost)
	}
	return nil
}

// Release clears the lease if holder owns it. Releasing a lease held by
// someone else, or not held at all, is a no-op.
func (l *Locker) Release(ctx context.Context, accountID, holder string) error {
	ok, err := l.repos.Accounts(l.db).ClearLease(ctx, accountID, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", accountID, err)
	}
	if !ok {
		l.logger.Debug(ctx, "release of lease not held", "account", accountID, "holder", holder)
	}
	return nil
}

// ErrInterval reports a heartbeat interval that does not fit the timeout.
var ErrInterval = errors.New("heartbeat interval must be positive and below half the lease timeout")

// ValidateInterval checks 0 < interval < timeout/2.
func ValidateInterval(timeout, interval time.Duration) error {
	if interval <= 0 || 2*interval >= timeout {
		return fmt.Errorf("%w: interval %s, timeout %s", ErrInterval, interval, timeout)
	}
	return nil
}
