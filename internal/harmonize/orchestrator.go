// Package harmonize runs harmonization cycles. A cycle takes the account
// lease, links remote containers to local collections, then detects and
// reconciles every enabled collection while a keeper heartbeats the lease.
package harmonize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/delta"
	"github.com/dmitrijs2005/harmony/internal/lease"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/reconcile"
	"github.com/dmitrijs2005/harmony/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config tunes the orchestrator.
type Config struct {
	// Holder prefixes lease holder ids of this process.
	Holder string

	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	TransportTimeout  time.Duration

	// MaxParallel bounds how many collections of one account run at once.
	MaxParallel int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Holder:            "harmonyd",
		LeaseTimeout:      60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		TransportTimeout:  delta.DefaultTimeout,
		MaxParallel:       2,
	}
}

// Orchestrator runs cycles for accounts. One Orchestrator serves any number
// of accounts concurrently but never two cycles of the same account.
type Orchestrator struct {
	store      *correlation.Store
	locker     *lease.Locker
	dialer     transport.Dialer
	detector   *delta.Detector
	reconciler *reconcile.Reconciler
	cfg        Config
	now        func() time.Time
	logger     logging.Logger

	mu      sync.Mutex
	running map[string]*progress
}

// New constructs an Orchestrator. It fails when the heartbeat interval does
// not fit the lease timeout.
func New(
	store *correlation.Store,
	locker *lease.Locker,
	dialer transport.Dialer,
	detector *delta.Detector,
	reconciler *reconcile.Reconciler,
	cfg Config,
	logger logging.Logger,
) (*Orchestrator, error) {
	if err := lease.ValidateInterval(cfg.LeaseTimeout, cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = delta.DefaultTimeout
	}
	return &Orchestrator{
		store:      store,
		locker:     locker,
		dialer:     dialer,
		detector:   detector,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
		logger:     logging.Module(logger, "harmonize"),
		running:    make(map[string]*progress),
	}, nil
}

// Status reports the phase of the cycle running for accountID, if any.
func (o *Orchestrator) Status(accountID string) (Phase, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.running[accountID]
	if !ok {
		return Phase{State: StateIdle}, false
	}
	return p.snapshot(), true
}

func (o *Orchestrator) enter(accountID string) (*progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[accountID]; busy {
		return nil, fmt.Errorf("account %s: %w", accountID, common.ErrAlreadyRunning)
	}
	p := &progress{}
	p.set(StateLeasing)
	o.running[accountID] = p
	return p, nil
}

func (o *Orchestrator) leave(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, accountID)
}

// Run harmonizes one account, or only collectionID when it is non-nil.
//
// Requests that cannot start return an error: common.ErrAlreadyRunning,
// common.ErrLockHeld, common.ErrAccountDisabled or a not-found. Once the
// lease is held, Run always returns an Outcome describing how the cycle
// ended, and records it on the account.
func (o *Orchestrator) Run(ctx context.Context, accountID string, collectionID *string) (*Outcome, error) {
	p, err := o.enter(accountID)
	if err != nil {
		return nil, err
	}
	defer o.leave(accountID)

	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Enabled {
		return nil, fmt.Errorf("account %s: %w", accountID, common.ErrAccountDisabled)
	}

	holder := o.cfg.Holder + "/" + uuid.NewString()
	if err := o.locker.Acquire(ctx, accountID, holder, o.cfg.LeaseTimeout); err != nil {
		return nil, err
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), accountID, holder); err != nil {
			o.logger.Error(ctx, "lease release failed", "account", accountID, "error", err)
		}
	}()

	runCtx, keeper, err := o.locker.Keep(ctx, accountID, holder, o.cfg.LeaseTimeout, o.cfg.HeartbeatInterval)
	if err != nil {
		return nil, err
	}
	defer keeper.Stop()

	out := &Outcome{AccountID: accountID, StartedAt: o.now()}
	o.logger.Info(ctx, "harmonization started", "account", accountID, "holder", holder)

	p.set(StateRunning)
	runErr := o.cycle(runCtx, account, collectionID, p, out)

	p.set(StateCommitting)
	o.finish(ctx, runCtx, account, out, runErr)
	return out, nil
}

func (o *Orchestrator) cycle(ctx context.Context, account *models.ServiceAccount, only *string, p *progress, out *Outcome) error {
	remote, err := o.dialer.Dial(ctx, account)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	collections, err := o.discover(ctx, account, remote)
	if err != nil {
		return err
	}

	var work []*models.Collection
	for _, c := range collections {
		if only != nil && c.ID != *only {
			continue
		}
		if c.Enabled && c.RemoteID != "" && account.ModeFor(c.EntityType) != models.SyncModeOff {
			work = append(work, c)
		}
	}
	if only != nil && len(work) == 0 {
		return fmt.Errorf("collection %s: %w", *only, common.ErrorNotFound)
	}

	p.setTotal(len(work))
	results := make([]CollectionResult, len(work))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)
	for i, c := range work {
		g.Go(func() error {
			defer p.done()
			results[i] = o.collection(gctx, account, c, remote)
			if err := results[i].err; err != nil && accountScope(err) {
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	for _, r := range results {
		out.add(r)
	}
	return err
}

// collection detects and reconciles one collection. Errors are returned in
// the result; only account-scope ones stop the cycle.
func (o *Orchestrator) collection(ctx context.Context, account *models.ServiceAccount, c *models.Collection, remote transport.Remote) CollectionResult {
	res := CollectionResult{CollectionID: c.ID, Report: &reconcile.Report{}}
	if ctx.Err() != nil {
		res.err = context.Cause(ctx)
		return res
	}

	d, err := o.detector.Detect(ctx, c, remote)
	if err != nil {
		res.err = err
		o.logger.Warn(ctx, "collection aborted", "account", account.ID, "collection", c.ID, "error", err)
		return res
	}
	if d.FullResync {
		res.FullResync = true
	}

	rep, err := o.reconciler.Apply(ctx, account, d, remote)
	if rep != nil {
		res.Report = rep
	}
	if err != nil {
		res.err = err
		o.logger.Warn(ctx, "collection aborted", "account", account.ID, "collection", c.ID, "error", err)
		return res
	}

	o.logger.Debug(ctx, "collection harmonized",
		"account", account.ID,
		"collection", c.ID,
		"pushed", rep.Pushed,
		"pulled", rep.Pulled,
		"conflicts", rep.Conflicts,
		"skipped", rep.Skipped,
	)
	return res
}

// accountScope reports errors that end the whole cycle.
func accountScope(err error) bool {
	return errors.Is(err, transport.ErrRejected) ||
		errors.Is(err, common.ErrStorage) ||
		errors.Is(err, common.ErrLockLost)
}

// finish classifies the cycle, stores it on the account and logs it.
func (o *Orchestrator) finish(ctx, runCtx context.Context, account *models.ServiceAccount, out *Outcome, runErr error) {
	out.FinishedAt = o.now()
	bg := context.WithoutCancel(ctx)

	if runErr == nil && runCtx.Err() != nil {
		runErr = context.Cause(runCtx)
	}

	switch {
	case runErr == nil && out.FailedCollections == 0 && out.Report.Skipped == 0:
		out.State = models.RunStateSuccess
	case runErr == nil:
		out.State = models.RunStatePartial
		out.Reason = fmt.Sprintf("%d collections failed, %d entities skipped", out.FailedCollections, out.Report.Skipped)
	case errors.Is(runErr, common.ErrLockLost):
		out.State = models.RunStateAborted
		out.Reason = "lease lost"
	case errors.Is(runErr, transport.ErrRejected):
		out.State = models.RunStateAborted
		out.Reason = "remote rejected credentials"
		if err := o.store.SetConnected(bg, account.ID, false); err != nil {
			o.logger.Error(ctx, "marking account disconnected failed", "account", account.ID, "error", err)
		}
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		out.State = models.RunStateAborted
		out.Reason = "cancelled"
	default:
		out.State = models.RunStateFailed
		out.Reason = runErr.Error()
	}

	if runErr == nil && !account.Connected {
		if err := o.store.SetConnected(bg, account.ID, true); err != nil {
			o.logger.Error(ctx, "marking account connected failed", "account", account.ID, "error", err)
		}
	}

	if err := o.store.RecordRun(bg, account.ID, out.State, out.FinishedAt, out.Reason); err != nil {
		o.logger.Error(ctx, "recording run failed", "account", account.ID, "error", err)
	}

	o.logger.Info(ctx, "harmonization finished",
		"account", account.ID,
		"state", string(out.State),
		"reason", out.Reason,
		"collections", out.Collections,
		"failed_collections", out.FailedCollections,
		"pushed", out.Report.Pushed,
		"pulled", out.Report.Pulled,
		"conflicts", out.Report.Conflicts,
		"skipped", out.Report.Skipped,
		"duration", out.FinishedAt.Sub(out.StartedAt).String(),
	)
}

// Outcome describes a finished cycle.
type Outcome struct {
	AccountID string
	State     models.RunState
	Reason    string

	Collections       int
	FailedCollections int
	Report            reconcile.Report
	Results           []CollectionResult

	StartedAt  time.Time
	FinishedAt time.Time
}

func (o *Outcome) add(r CollectionResult) {
	o.Collections++
	if r.err != nil {
		o.FailedCollections++
		r.Error = r.err.Error()
	}
	if r.Report != nil {
		o.Report.Add(r.Report)
	}
	o.Results = append(o.Results, r)
}

// CollectionResult is the outcome of one collection within a cycle.
type CollectionResult struct {
	CollectionID string
	FullResync   bool
	Report       *reconcile.Report
	Error        string

	err error
}

// State is the orchestrator phase of an account.
type State string

const (
	StateIdle       State = "idle"
	StateLeasing    State = "leasing"
	StateRunning    State = "running"
	StateCommitting State = "committing"
)

// Phase is a point-in-time view of a running cycle.
type Phase struct {
	State State
	Done  int
	Total int
}

type progress struct {
	state    atomic.Value
	finished atomic.Int64
	total    atomic.Int64
}

func (p *progress) set(s State) { p.state.Store(s) }
func (p *progress) setTotal(n int) { p.total.Store(int64(n)) }
func (p *progress) done() { p.finished.Add(1) }

func (p *progress) snapshot() Phase {
	s, _ := p.state.Load().(State)
	return Phase{State: s, Done: int(p.finished.Load()), Total: int(p.total.Load())}
}
