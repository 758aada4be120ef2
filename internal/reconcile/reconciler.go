// Package reconcile turns a change set from the delta detector into remote
// writes and local commits. Each entity is handled on its own: the remote
// mutation happens first and the local commit second, so a remote failure
// leaves local state untouched and the entity comes up again next cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/harmony/internal/chronicle"
	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/delta"
	"github.com/dmitrijs2005/harmony/internal/kinds"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/transport"
	"github.com/google/uuid"
)

// errStale means the entity was written locally after detection.
var errStale = errors.New("entity changed since detection")

// Report counts what one Apply did.
type Report struct {
	Pushed        int
	Pulled        int
	LocalDeletes  int
	RemoteDeletes int
	Agreed        int
	Conflicts     int

	// Skipped counts entities deferred to the next cycle.
	Skipped int
}

// Writes is the number of entities written on either side.
func (r *Report) Writes() int {
	return r.Pushed + r.Pulled + r.LocalDeletes + r.RemoteDeletes + r.Agreed
}

// Add accumulates o into r.
func (r *Report) Add(o *Report) {
	r.Pushed += o.Pushed
	r.Pulled += o.Pulled
	r.LocalDeletes += o.LocalDeletes
	r.RemoteDeletes += o.RemoteDeletes
	r.Agreed += o.Agreed
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
}

// Reconciler applies change sets.
type Reconciler struct {
	store   *correlation.Store
	log     *chronicle.Log
	kinds   kinds.Registry
	now     func() time.Time
	timeout time.Duration
	logger  logging.Logger
}

type Option func(*Reconciler)

// WithClock replaces the wall clock used for modification and conflict times.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithTimeout bounds each remote write.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

func New(store *correlation.Store, log *chronicle.Log, registry kinds.Registry, logger logging.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   store,
		log:     log,
		kinds:   registry,
		now:     time.Now,
		timeout: delta.DefaultTimeout,
		logger:  logging.Module(logger, "reconcile"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type item struct {
	key           string
	entity        *models.Entity
	change        *delta.RemoteChange
	remoteDeleted bool
}

// plan lists every entity touched by res in a stable order.
func plan(res *delta.Result) []*item {
	byEntity := make(map[string]*item)
	var out []*item

	get := func(e *models.Entity) *item {
		if it, ok := byEntity[e.ID]; ok {
			return it
		}
		it := &item{key: e.ID, entity: e}
		byEntity[e.ID] = it
		out = append(out, it)
		return it
	}

	for id := range res.LocalChanged {
		if e, ok := res.Entities[id]; ok {
			get(e)
		}
	}
	byRemote := make(map[string]*models.Entity, len(res.Entities))
	for _, e := range res.Entities {
		if e.RemoteID != "" {
			byRemote[e.RemoteID] = e
		}
	}
	for rid := range res.RemoteChanged {
		ch := res.RemoteChanged[rid]
		if e, ok := byRemote[rid]; ok {
			get(e).change = &ch
			continue
		}
		out = append(out, &item{key: "~" + rid, change: &ch})
	}
	for rid := range res.RemoteDeleted {
		if e, ok := byRemote[rid]; ok {
			get(e).remoteDeleted = true
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Apply reconciles every entity of res. Entity failures are logged and
// counted in Report.Skipped. Apply stops between entities when ctx is done
// and returns its cause; storage failures and account-scope transport
// rejections also stop it. A commit that has started always runs to
// completion.
func (r *Reconciler) Apply(ctx context.Context, account *models.ServiceAccount, res *delta.Result, remote transport.Remote) (*Report, error) {
	c := res.Collection
	policy := account.PolicyFor(c.EntityType)
	rep := &Report{Skipped: res.Skipped}
	// objects the detector could not read must be offered again
	keepRemoteState := res.Skipped > 0

	for _, it := range plan(res) {
		if ctx.Err() != nil {
			return rep, context.Cause(ctx)
		}

		err := r.applyOne(ctx, account.ID, res, remote, it, policy, rep)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrRejected), errors.Is(err, common.ErrStorage):
			return rep, err
		default:
			rep.Skipped++
			if it.change != nil || it.remoteDeleted {
				keepRemoteState = true
			}
			if errors.Is(err, errStale) {
				r.logger.Debug(ctx, "entity deferred", "collection", c.ID, "key", it.key)
			} else {
				r.logger.Warn(ctx, "entity skipped", "collection", c.ID, "key", it.key, "error", err)
			}
		}
	}

	if ctx.Err() != nil {
		return rep, context.Cause(ctx)
	}

	remoteState := res.RemoteState
	if keepRemoteState {
		remoteState = c.RemoteState
	}
	if err := r.saveState(ctx, c, remoteState); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Reconciler) saveState(ctx context.Context, c *models.Collection, remoteState string) error {
	apex, err := r.log.Apex(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("chronicle apex %s: %w: %w", c.ID, common.ErrStorage, err)
	}
	localState := string(apex)
	if localState == c.LocalState && remoteState == c.RemoteState {
		return nil
	}
	err = r.store.SaveCollectionState(context.WithoutCancel(ctx), c.ID, localState, remoteState)
	if err != nil {
		return err
	}
	c.LocalState, c.RemoteState = localState, remoteState
	return nil
}

func (r *Reconciler) applyOne(ctx context.Context, accountID string, res *delta.Result, remote transport.Remote, it *item, policy models.ConflictPolicy, rep *Report) error {
	in := Input{Policy: policy, RemoteDeleted: it.remoteDeleted}
	if e := it.entity; e != nil {
		_, in.LocalChanged = res.LocalChanged[e.ID]
		in.LocalDeleted = e.Deleted
		in.Pinned = e.Pinned
		in.LocalSignature = e.Signature
		in.LocalModified = e.ModifiedAt
	}
	if ch := it.change; ch != nil {
		in.RemoteChanged = true
		in.RemoteSignature = ch.Signature
		in.RemoteModified = res.Kind.Modified(ch.Content)
	}

	d := Classify(in)
	if d.Action != ActionSkip {
		r.logger.Debug(ctx, "entity classified",
			"collection", res.Collection.ID,
			"key", it.key,
			"class", string(d.Class),
			"action", d.Action.String(),
		)
	}

	w := &writer{r: r, ctx: ctx, accountID: accountID, res: res, remote: remote, it: it, d: d, in: in}

	var err error
	switch d.Action {
	case ActionSkip:
		return nil
	case ActionPush, ActionRecreate:
		err = w.push()
		if err == nil {
			rep.Pushed++
		}
	case ActionPushDelete:
		err = w.pushDelete()
		if err == nil {
			rep.RemoteDeletes++
		}
	case ActionPull:
		err = w.pull()
		if err == nil {
			rep.Pulled++
		}
	case ActionDeleteLocal:
		err = w.deleteLocal()
		if err == nil {
			rep.LocalDeletes++
		}
	case ActionAgree:
		err = w.agree()
		if err == nil {
			rep.Agreed++
		}
	}
	if err == nil && d.Conflict() {
		rep.Conflicts++
	}
	return err
}

// writer carries out one decision.
type writer struct {
	r         *Reconciler
	ctx       context.Context
	accountID string
	res       *delta.Result
	remote    transport.Remote
	it        *item
	d         Decision
	in        Input
}

func (w *writer) ref() transport.Ref {
	c := w.res.Collection
	return transport.Ref{Type: c.EntityType, CollectionID: c.RemoteID}
}

func (w *writer) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.r.timeout)
	defer cancel()
	return transport.Classify(ctx, fn(ctx))
}

// commit runs fn in the collection's commit after checking that the entity
// still matches the snapshot the decision was made on.
func (w *writer) commit(fn func(ctx context.Context, tx *correlation.Tx) error) error {
	snap := w.it.entity
	return w.r.store.Commit(context.WithoutCancel(w.ctx), w.res.Collection.ID, func(ctx context.Context, tx *correlation.Tx) error {
		if snap != nil {
			cur, err := tx.GetEntity(ctx, snap.ID)
			if errors.Is(err, common.ErrorNotFound) {
				return errStale
			}
			if err != nil {
				return err
			}
			if cur.Signature != snap.Signature || cur.Deleted != snap.Deleted || cur.RemoteID != snap.RemoteID {
				return errStale
			}
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if w.d.Conflict() {
			return tx.RecordConflict(ctx, w.conflict())
		}
		return nil
	})
}

func (w *writer) conflict() *models.ConflictRecord {
	rec := &models.ConflictRecord{
		AccountID:      w.accountID,
		CollectionID:   w.res.Collection.ID,
		Classification: string(w.d.Class),
		Policy:         w.in.Policy,
		Winner:         w.d.Winner,
		LocalModified:  w.in.LocalModified,
		RemoteModified: w.in.RemoteModified,
		ResolvedAt:     w.r.now(),
	}
	if e := w.it.entity; e != nil {
		rec.EntityID = e.ID
		rec.RemoteID = e.RemoteID
	}
	if ch := w.it.change; ch != nil {
		rec.RemoteID = ch.Entity.ID
	}
	return rec
}

// push writes local content to the remote. When the server hands back a
// different object, its content becomes the local content too, so both
// sides agree afterwards.
func (w *writer) push() error {
	e := w.it.entity
	kind := w.res.Kind

	payload, err := kind.ToRemotePayload(e.Content)
	if err != nil {
		return err
	}

	var wr *transport.WriteResult
	create := e.RemoteID == "" || w.d.Action == ActionRecreate
	err = w.call(func(ctx context.Context) error {
		var err error
		if create {
			wr, err = w.remote.Create(ctx, w.ref(), payload)
		} else {
			wr, err = w.remote.Update(ctx, w.ref(), e.RemoteID, payload)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", e.ID, err)
	}

	next := *e
	if wr.RemoteID != "" {
		next.RemoteID = wr.RemoteID
	}
	next.LastRemoteSignature = e.Signature

	var op models.Operation
	if wr.Payload != nil {
		content, err := kind.ApplyRemote(wr.Payload)
		if err != nil {
			w.r.logger.Warn(w.ctx, "server copy unreadable, keeping pushed content", "entity", e.ID, "error", err)
		} else if sig := kind.Signature(content); sig != e.Signature {
			next.Content = content
			next.Signature = sig
			next.LastRemoteSignature = sig
			next.ModifiedAt = w.r.now()
			op = models.OperationUpdate
		}
	}

	err = w.commit(func(ctx context.Context, tx *correlation.Tx) error {
		return tx.UpsertEntity(ctx, w.accountID, &next, op)
	})
	if create && errors.Is(err, errStale) && next.RemoteID != "" {
		if linkErr := w.link(next.RemoteID, next.LastRemoteSignature); linkErr != nil {
			return linkErr
		}
	}
	return err
}

// link records a freshly created remote object on an entity that was
// written locally while the create was in flight. Content is left alone,
// so the next cycle sees an ordinary local edit and updates the object.
// When the entity is gone the remote object is removed again.
func (w *writer) link(remoteID, remoteSig string) error {
	snap := w.it.entity
	gone := false
	err := w.r.store.Commit(context.WithoutCancel(w.ctx), w.res.Collection.ID, func(ctx context.Context, tx *correlation.Tx) error {
		cur, err := tx.GetEntity(ctx, snap.ID)
		if errors.Is(err, common.ErrorNotFound) {
			gone = true
			return nil
		}
		if err != nil {
			return err
		}
		if cur.RemoteID != snap.RemoteID {
			return nil
		}
		cur.RemoteID = remoteID
		cur.LastRemoteSignature = remoteSig
		return tx.UpsertEntity(ctx, w.accountID, cur, "")
	})
	if err != nil || !gone {
		return err
	}

	err = w.call(func(ctx context.Context) error {
		return w.remote.Delete(ctx, w.ref(), remoteID)
	})
	if err != nil && !errors.Is(err, transport.ErrNotFound) {
		return fmt.Errorf("remote delete %s: %w", remoteID, err)
	}
	return nil
}

// pushDelete removes the remote object of a local tombstone, then the
// tombstone itself. The delete record was written with the tombstone.
func (w *writer) pushDelete() error {
	e := w.it.entity
	if e.RemoteID != "" {
		err := w.call(func(ctx context.Context) error {
			return w.remote.Delete(ctx, w.ref(), e.RemoteID)
		})
		if err != nil && !errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("remote delete %s: %w", e.ID, err)
		}
	}
	return w.commit(func(ctx context.Context, tx *correlation.Tx) error {
		return tx.DeleteEntity(ctx, w.accountID, e, "")
	})
}

func (w *writer) pull() error {
	ch := w.it.change
	modified := w.in.RemoteModified
	if modified.IsZero() {
		modified = w.r.now()
	}

	e := w.it.entity
	if e == nil {
		id := uuid.NewString()
		fresh := &models.Entity{
			ID:                  id,
			CollectionID:        w.res.Collection.ID,
			UUID:                uuid.NewString(),
			Content:             ch.Content,
			Signature:           ch.Signature,
			RemoteID:            ch.Entity.ID,
			LastRemoteSignature: ch.Signature,
			ModifiedAt:          modified,
		}
		return w.commit(func(ctx context.Context, tx *correlation.Tx) error {
			return tx.UpsertEntity(ctx, w.accountID, fresh, models.OperationCreate)
		})
	}

	op := models.OperationUpdate
	if e.Deleted {
		// consumers saw the delete; the entity comes back as new
		op = models.OperationCreate
	}
	next := *e
	next.Content = ch.Content
	next.Signature = ch.Signature
	next.RemoteID = ch.Entity.ID
	next.LastRemoteSignature = ch.Signature
	next.ModifiedAt = modified
	next.Deleted = false

	return w.commit(func(ctx context.Context, tx *correlation.Tx) error {
		return tx.UpsertEntity(ctx, w.accountID, &next, op)
	})
}

func (w *writer) deleteLocal() error {
	e := w.it.entity
	op := models.OperationDelete
	if e.Deleted {
		op = ""
	}
	return w.commit(func(ctx context.Context, tx *correlation.Tx) error {
		return tx.DeleteEntity(ctx, w.accountID, e, op)
	})
}

// agree records identical content on both sides without touching content.
func (w *writer) agree() error {
	next := *w.it.entity
	next.RemoteID = w.it.change.Entity.ID
	next.LastRemoteSignature = w.it.change.Signature
	return w.commit(func(ctx context.Context, tx *correlation.Tx) error {
		return tx.UpsertEntity(ctx, w.accountID, &next, "")
	})
}
