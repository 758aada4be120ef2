package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
)

// Keeper heartbeats a held lease in the background.
type Keeper struct {
	locker    *Locker
	accountID string
	holder    string
	timeout   time.Duration
	interval  time.Duration

	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Keep starts heartbeating a lease that holder has just acquired. The
// returned context is cancelled with cause common.ErrLockLost once the lease
// is taken over or cannot be refreshed for longer than timeout. Stop ends
// the heartbeat; it does not release the lease.
func (l *Locker) Keep(ctx context.Context, accountID, holder string, timeout, interval time.Duration) (context.Context, *Keeper, error) {
	if err := ValidateInterval(timeout, interval); err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	k := &Keeper{
		locker:    l,
		accountID: accountID,
		holder:    holder,
		timeout:   timeout,
		interval:  interval,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go k.loop(runCtx)
	return runCtx, k, nil
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	lastOK := k.locker.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := k.locker.Heartbeat(ctx, k.accountID, k.holder)
		switch {
		case err == nil:
			lastOK = k.locker.now()
		case errors.Is(err, common.ErrLockLost):
			k.locker.logger.Warn(ctx, "lease lost", "account", k.accountID, "holder", k.holder)
			k.cancel(common.ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		default:
			k.locker.logger.Warn(ctx, "heartbeat failed", "account", k.accountID, "error", err)
			if k.locker.now().Sub(lastOK) > k.timeout {
				k.cancel(common.ErrLockLost)
				return
			}
		}
	}
}

// Stop ends the heartbeat and waits for the goroutine to exit.
func (k *Keeper) Stop() {
	k.once.Do(func() {
		k.cancel(context.Canceled)
		<-k.done
	})
}
