// Package scheduler triggers periodic harmonization of every enabled,
// connected account.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/harmonize"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"golang.org/x/sync/errgroup"
)

type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*models.ServiceAccount, error)
}

type Runner interface {
	Run(ctx context.Context, accountID string, collectionID *string) (*harmonize.Outcome, error)
}

// Scheduler runs one harmonization per eligible account every interval.
type Scheduler struct {
	accounts    AccountLister
	runner      Runner
	interval    time.Duration
	maxAccounts int
	logger      logging.Logger
}

func New(accounts AccountLister, runner Runner, interval time.Duration, maxAccounts int, logger logging.Logger) *Scheduler {
	if maxAccounts < 1 {
		maxAccounts = 1
	}
	return &Scheduler{
		accounts:    accounts,
		runner:      runner,
		interval:    interval,
		maxAccounts: maxAccounts,
		logger:      logging.Module(logger, "scheduler"),
	}
}

// Start ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one cycle for every enabled, connected account and waits for
// all of them. Contention on an account is expected and only logged.
func (s *Scheduler) Tick(ctx context.Context) {
	list, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.logger.Error(ctx, "listing accounts failed", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.maxAccounts)
	for _, a := range list {
		if !a.Enabled || !a.Connected {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.runOne(ctx, a.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, accountID string) {
	out, err := s.runner.Run(ctx, accountID, nil)
	switch {
	case err == nil:
		if out.State != models.RunStateSuccess {
			s.logger.Warn(ctx, "scheduled run incomplete", "account", accountID, "state", string(out.State), "reason", out.Reason)
		}
	case errors.Is(err, common.ErrAlreadyRunning), errors.Is(err, common.ErrLockHeld):
		s.logger.Info(ctx, "account busy, retrying next tick", "account", accountID)
	default:
		s.logger.Error(ctx, "scheduled run failed", "account", accountID, "error", err)
	}
}
