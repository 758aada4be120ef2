// Package delta works out, for one collection, which entities changed locally
// since both sides last agreed and which changed on the remote server.
package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/kinds"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/transport"
)

// ErrUnlinked is returned for collections without a remote container.
var ErrUnlinked = errors.New("collection is not linked to a remote container")

// DefaultTimeout bounds a single transport call.
const DefaultTimeout = 30 * time.Second

// RemoteChange is a remote object converted to canonical local content.
type RemoteChange struct {
	Entity    transport.RemoteEntity
	Content   []byte
	Signature string
}

// Result is the change set of one collection. Entities is the local snapshot
// the sets refer to, keyed by entity id.
type Result struct {
	Collection *models.Collection
	Kind       kinds.Kind
	Entities   map[string]*models.Entity

	LocalChanged  map[string]struct{}
	RemoteChanged map[string]RemoteChange
	RemoteDeleted map[string]struct{}

	RemoteState string
	FullResync  bool

	// Skipped counts remote objects whose payload could not be converted.
	Skipped int
}

// Detector computes change sets.
type Detector struct {
	store   *correlation.Store
	kinds   kinds.Registry
	timeout time.Duration
	logger  logging.Logger
}

// NewDetector constructs a Detector. A non-positive timeout uses DefaultTimeout.
func NewDetector(store *correlation.Store, registry kinds.Registry, timeout time.Duration, logger logging.Logger) *Detector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Detector{store: store, kinds: registry, timeout: timeout, logger: logging.Module(logger, "delta")}
}

// Detect builds the change set of c against remote. Remote changes come from
// a single delta query on the stored state token; a token the server no
// longer accepts, or no token at all, falls back to a full listing diffed
// against the local snapshot.
func (d *Detector) Detect(ctx context.Context, c *models.Collection, remote transport.Remote) (*Result, error) {
	if c.RemoteID == "" {
		return nil, fmt.Errorf("collection %s: %w", c.ID, ErrUnlinked)
	}
	kind, err := d.kinds.Lookup(c.EntityType)
	if err != nil {
		return nil, err
	}

	entities, err := d.store.GetEntities(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Collection:    c,
		Kind:          kind,
		Entities:      make(map[string]*models.Entity, len(entities)),
		LocalChanged:  make(map[string]struct{}),
		RemoteChanged: make(map[string]RemoteChange),
		RemoteDeleted: make(map[string]struct{}),
	}
	byRemote := make(map[string]*models.Entity, len(entities))
	for _, e := range entities {
		res.Entities[e.ID] = e
		if e.RemoteID != "" {
			byRemote[e.RemoteID] = e
		}
		if e.LocallyChanged() {
			res.LocalChanged[e.ID] = struct{}{}
		}
	}

	ref := transport.Ref{Type: c.EntityType, CollectionID: c.RemoteID}

	if c.RemoteState != "" {
		changes, err := d.delta(ctx, remote, ref, c.RemoteState)
		switch {
		case err == nil:
			res.RemoteState = changes.NewState
			d.collect(ctx, res, byRemote, changes.Added)
			d.collect(ctx, res, byRemote, changes.Changed)
			for _, id := range changes.Deleted {
				if _, known := byRemote[id]; known {
					res.RemoteDeleted[id] = struct{}{}
				}
				delete(res.RemoteChanged, id)
			}
			return res, nil
		case errors.Is(err, transport.ErrTokenInvalid):
			d.logger.Info(ctx, "remote state rejected, re-listing", "collection", c.ID, "state", c.RemoteState)
		default:
			return nil, fmt.Errorf("delta %s: %w", c.ID, err)
		}
	}

	listing, err := d.fetch(ctx, remote, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.ID, err)
	}
	res.FullResync = true
	res.RemoteState = listing.State

	seen := make(map[string]struct{}, len(listing.Entities))
	for _, re := range listing.Entities {
		seen[re.ID] = struct{}{}
	}
	d.collect(ctx, res, byRemote, listing.Entities)

	for remoteID := range byRemote {
		if _, ok := seen[remoteID]; !ok {
			res.RemoteDeleted[remoteID] = struct{}{}
		}
	}
	return res, nil
}

// collect converts remote objects and keeps those that differ from the
// agreed state. Objects matching LastRemoteSignature are echoes of our own
// writes.
func (d *Detector) collect(ctx context.Context, res *Result, byRemote map[string]*models.Entity, objs []transport.RemoteEntity) {
	for _, re := range objs {
		content, err := res.Kind.ApplyRemote(re.Payload)
		if err != nil {
			res.Skipped++
			d.logger.Warn(ctx, "remote object skipped", "collection", res.Collection.ID, "remote_id", re.ID, "error", err)
			continue
		}
		sig := res.Kind.Signature(content)
		if e, ok := byRemote[re.ID]; ok && e.LastRemoteSignature == sig {
			continue
		}
		res.RemoteChanged[re.ID] = RemoteChange{Entity: re, Content: content, Signature: sig}
	}
}

func (d *Detector) delta(ctx context.Context, remote transport.Remote, ref transport.Ref, state string) (*transport.Changes, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	changes, err := remote.Delta(ctx, ref, state)
	return changes, transport.Classify(ctx, err)
}

func (d *Detector) fetch(ctx context.Context, remote transport.Remote, ref transport.Ref) (*transport.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	listing, err := remote.Fetch(ctx, ref)
	return listing, transport.Classify(ctx, err)
}
