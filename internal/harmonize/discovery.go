package harmonize

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/transport"
	"github.com/google/uuid"
)

// discover links the account's remote containers to local collections. New
// containers of an enabled type get a collection; linked collections whose
// container is gone are removed together with their entities and chronicle.
// Collections that were never linked are kept.
func (o *Orchestrator) discover(ctx context.Context, account *models.ServiceAccount, remote transport.Remote) ([]*models.Collection, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.TransportTimeout)
	remotes, err := remote.ListCollections(lctx)
	err = transport.Classify(lctx, err)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	local, err := o.store.GetCollections(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	byRemote := make(map[string]*models.Collection, len(local))
	for _, c := range local {
		if c.RemoteID != "" {
			byRemote[c.RemoteID] = c
		}
	}

	seen := make(map[string]struct{}, len(remotes))
	var out []*models.Collection
	for _, rc := range remotes {
		seen[rc.ID] = struct{}{}

		if c, ok := byRemote[rc.ID]; ok {
			if c.Name != rc.Name {
				c.Name = rc.Name
				if err := o.store.UpsertCollection(ctx, c); err != nil {
					return nil, err
				}
			}
			continue
		}
		if account.ModeFor(rc.Type) == models.SyncModeOff {
			continue
		}

		c := &models.Collection{
			ID:         uuid.NewString(),
			AccountID:  account.ID,
			EntityType: rc.Type,
			UUID:       uuid.NewString(),
			Name:       rc.Name,
			RemoteID:   rc.ID,
			Enabled:    true,
		}
		if err := o.store.UpsertCollection(ctx, c); err != nil {
			return nil, err
		}
		o.logger.Info(ctx, "collection linked", "account", account.ID, "collection", c.ID, "remote_id", rc.ID, "type", string(rc.Type))
		out = append(out, c)
	}

	for _, c := range local {
		if c.RemoteID != "" {
			if _, ok := seen[c.RemoteID]; !ok {
				if err := o.store.DeleteCollection(ctx, c.ID); err != nil {
					return nil, err
				}
				o.logger.Info(ctx, "collection removed remotely", "account", account.ID, "collection", c.ID, "remote_id", c.RemoteID)
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}
