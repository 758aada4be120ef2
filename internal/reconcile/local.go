package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/google/uuid"
)

// LocalChange is a write made by a local client through a protocol-facing
// adapter. UUID may be empty for creations.
type LocalChange struct {
	Operation models.Operation
	UUID      string
	Content   []byte
}

// ApplyLocal commits a local-origin change and its chronicle record. It
// never touches LastRemoteSignature, so the next cycle sees the entity as
// locally changed and pushes it. Deleting an entity that was never pushed
// removes it outright; otherwise a tombstone stays until the remote delete
// succeeds.
func (r *Reconciler) ApplyLocal(ctx context.Context, accountID string, c *models.Collection, ch LocalChange) (*models.Entity, error) {
	kind, err := r.kinds.Lookup(c.EntityType)
	if err != nil {
		return nil, err
	}

	var content []byte
	if ch.Operation != models.OperationDelete {
		content, err = kind.Normalize(ch.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
		}
	}

	var out *models.Entity
	err = r.store.Commit(ctx, c.ID, func(ctx context.Context, tx *correlation.Tx) error {
		var cur *models.Entity
		if ch.UUID != "" {
			e, err := tx.GetEntityByUUID(ctx, ch.UUID)
			switch {
			case err == nil:
				cur = e
			case !errors.Is(err, common.ErrorNotFound):
				return err
			}
		}
		live := cur != nil && !cur.Deleted
		now := r.now()
		if t := kind.Modified(content); !t.IsZero() {
			now = t
		}

		switch ch.Operation {
		case models.OperationCreate:
			if live {
				return fmt.Errorf("entity %s already exists: %w", ch.UUID, common.ErrInvalidArgument)
			}
			e := cur
			if e == nil {
				id := ch.UUID
				if id == "" {
					id = uuid.NewString()
				}
				e = &models.Entity{ID: uuid.NewString(), CollectionID: c.ID, UUID: id}
			}
			e.Content = content
			e.Signature = kind.Signature(content)
			e.ModifiedAt = now
			e.Deleted = false
			out = e
			return tx.UpsertEntity(ctx, accountID, e, models.OperationCreate)

		case models.OperationUpdate:
			if !live {
				return fmt.Errorf("entity %s: %w", ch.UUID, common.ErrorNotFound)
			}
			out = cur
			sig := kind.Signature(content)
			if sig == cur.Signature {
				return nil
			}
			cur.Content = content
			cur.Signature = sig
			cur.ModifiedAt = now
			return tx.UpsertEntity(ctx, accountID, cur, models.OperationUpdate)

		case models.OperationDelete:
			if !live {
				return fmt.Errorf("entity %s: %w", ch.UUID, common.ErrorNotFound)
			}
			out = cur
			if cur.RemoteID == "" {
				return tx.DeleteEntity(ctx, accountID, cur, models.OperationDelete)
			}
			cur.Deleted = true
			cur.ModifiedAt = now
			return tx.UpsertEntity(ctx, accountID, cur, models.OperationDelete)

		default:
			return fmt.Errorf("operation %q: %w", ch.Operation, common.ErrInvalidArgument)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pin marks an entity so that a remote deletion recreates it instead of
// removing the local copy.
func (r *Reconciler) Pin(ctx context.Context, c *models.Collection, entityUUID string, pinned bool) error {
	return r.store.Commit(ctx, c.ID, func(ctx context.Context, tx *correlation.Tx) error {
		e, err := tx.GetEntityByUUID(ctx, entityUUID)
		if err != nil {
			return err
		}
		if e.Pinned == pinned {
			return nil
		}
		e.Pinned = pinned
		return tx.UpsertEntity(ctx, "", e, "")
	})
}
