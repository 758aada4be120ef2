package correlation

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

// Tx is the write handle passed to Commit callbacks. It is only valid while
// the callback runs.
type Tx struct {
	db           dbx.DBTX
	store        *Store
	collectionID string
}

func (t *Tx) checkCollection(id string) error {
	if id != t.collectionID {
		return fmt.Errorf("entity of collection %s written in commit of %s", id, t.collectionID)
	}
	return nil
}

// GetEntity reads an entity inside the transaction.
func (t *Tx) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := t.store.repos.Entities(t.db).GetByID(ctx, id)
	return e, storageErr("get entity "+id, err)
}

func (t *Tx) GetEntityByUUID(ctx context.Context, uuid string) (*models.Entity, error) {
	e, err := t.store.repos.Entities(t.db).GetByUUID(ctx, t.collectionID, uuid)
	return e, storageErr("get entity by uuid "+uuid, err)
}

// UpsertEntity writes e; a non-empty op appends one chronicle record.
func (t *Tx) UpsertEntity(ctx context.Context, accountID string, e *models.Entity, op models.Operation) error {
	if err := t.checkCollection(e.CollectionID); err != nil {
		return err
	}
	if err := t.store.repos.Entities(t.db).Upsert(ctx, e); err != nil {
		return storageErr("upsert entity "+e.ID, err)
	}
	return t.record(ctx, accountID, e, op)
}

// DeleteEntity removes e; a non-empty op appends one chronicle record.
func (t *Tx) DeleteEntity(ctx context.Context, accountID string, e *models.Entity, op models.Operation) error {
	if err := t.checkCollection(e.CollectionID); err != nil {
		return err
	}
	if err := t.store.repos.Entities(t.db).Delete(ctx, e.ID); err != nil {
		return storageErr("delete entity "+e.ID, err)
	}
	return t.record(ctx, accountID, e, op)
}

// SaveCollectionState stores both state tokens of the commit's collection.
func (t *Tx) SaveCollectionState(ctx context.Context, id, localState, remoteState string) error {
	if err := t.checkCollection(id); err != nil {
		return err
	}
	return storageErr("save collection state "+id, t.store.repos.Collections(t.db).SaveState(ctx, id, localState, remoteState))
}

// RecordConflict stores a conflict report.
func (t *Tx) RecordConflict(ctx context.Context, c *models.ConflictRecord) error {
	return storageErr("record conflict", t.store.repos.Conflicts(t.db).Insert(ctx, c))
}

func (t *Tx) record(ctx context.Context, accountID string, e *models.Entity, op models.Operation) error {
	if op == "" {
		return nil
	}
	rec := &models.ChronicleRecord{
		AccountID:    accountID,
		CollectionID: e.CollectionID,
		EntityID:     e.ID,
		EntityUUID:   e.UUID,
		Operation:    op,
	}
	return storageErr("append chronicle", t.store.chronicle.Append(ctx, t.db, rec))
}
