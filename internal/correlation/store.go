// Package correlation is the persistent mapping between local entities and
// collections and their remote identities. Reads go straight to the
// repositories; every entity write goes through Commit, which serializes
// writers per collection and runs them in one database transaction together
// with their chronicle records.
package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/harmony/internal/chronicle"
	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
)

// Store is the correlation store.
type Store struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	chronicle *chronicle.Log
	locks     *keyedMutex
	logger    logging.Logger
}

// NewStore wires a Store over db.
func NewStore(db *sql.DB, repos repomanager.RepositoryManager, log *chronicle.Log, logger logging.Logger) *Store {
	return &Store{
		db:        db,
		repos:     repos,
		chronicle: log,
		locks:     newKeyedMutex(),
		logger:    logging.Module(logger, "correlation"),
	}
}

// storageErr marks everything but not-found as a storage failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorage, err)
}

// CreateAccount stores a new service account.
func (s *Store) CreateAccount(ctx context.Context, a *models.ServiceAccount) error {
	return storageErr("create account", s.repos.Accounts(s.db).Create(ctx, a))
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.ServiceAccount, error) {
	a, err := s.repos.Accounts(s.db).GetByID(ctx, id)
	return a, storageErr("get account "+id, err)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*models.ServiceAccount, error) {
	a, err := s.repos.Accounts(s.db).List(ctx)
	return a, storageErr("list accounts", err)
}

// DeleteAccount removes the account with its collections, entities and
// chronicle records.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return storageErr("delete account "+id, s.repos.Accounts(s.db).Delete(ctx, id))
}

func (s *Store) SetConnected(ctx context.Context, id string, connected bool) error {
	return storageErr("set connected "+id, s.repos.Accounts(s.db).SetConnected(ctx, id, connected))
}

func (s *Store) UpdateSettings(ctx context.Context, id string, enabled bool, settings map[models.EntityType]models.TypeSettings) error {
	return storageErr("update settings "+id, s.repos.Accounts(s.db).UpdateSettings(ctx, id, enabled, settings))
}

// RecordRun stores the end state of a harmonization run.
func (s *Store) RecordRun(ctx context.Context, id string, state models.RunState, at time.Time, reason string) error {
	return storageErr("record run "+id, s.repos.Accounts(s.db).RecordRun(ctx, id, state, at, reason))
}

func (s *Store) GetCollections(ctx context.Context, accountID string) ([]*models.Collection, error) {
	c, err := s.repos.Collections(s.db).ListByAccount(ctx, accountID)
	return c, storageErr("get collections", err)
}

func (s *Store) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	c, err := s.repos.Collections(s.db).GetByID(ctx, id)
	return c, storageErr("get collection "+id, err)
}

func (s *Store) GetCollectionByRemoteID(ctx context.Context, accountID, remoteID string) (*models.Collection, error) {
	c, err := s.repos.Collections(s.db).GetByRemoteID(ctx, accountID, remoteID)
	return c, storageErr("get collection by remote id "+remoteID, err)
}

// UpsertCollection creates the collection or updates its mutable fields.
func (s *Store) UpsertCollection(ctx context.Context, c *models.Collection) error {
	defer s.locks.Lock(c.ID)()

	repo := s.repos.Collections(s.db)
	err := repo.Update(ctx, c)
	if errors.Is(err, common.ErrorNotFound) {
		err = repo.Create(ctx, c)
	}
	return storageErr("upsert collection "+c.ID, err)
}

// DeleteCollection removes a collection with its entities and chronicle.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	defer s.locks.Lock(id)()
	return storageErr("delete collection "+id, s.repos.Collections(s.db).Delete(ctx, id))
}

// SaveCollectionState stores both state tokens of a collection.
func (s *Store) SaveCollectionState(ctx context.Context, id, localState, remoteState string) error {
	return s.Commit(ctx, id, func(ctx context.Context, tx *Tx) error {
		return tx.SaveCollectionState(ctx, id, localState, remoteState)
	})
}

func (s *Store) GetEntities(ctx context.Context, collectionID string) ([]*models.Entity, error) {
	e, err := s.repos.Entities(s.db).ListByCollection(ctx, collectionID)
	return e, storageErr("get entities", err)
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := s.repos.Entities(s.db).GetByID(ctx, id)
	return e, storageErr("get entity "+id, err)
}

func (s *Store) GetEntityByUUID(ctx context.Context, collectionID, uuid string) (*models.Entity, error) {
	e, err := s.repos.Entities(s.db).GetByUUID(ctx, collectionID, uuid)
	return e, storageErr("get entity by uuid "+uuid, err)
}

func (s *Store) GetEntityByRemoteID(ctx context.Context, collectionID, remoteID string) (*models.Entity, error) {
	e, err := s.repos.Entities(s.db).GetByRemoteID(ctx, collectionID, remoteID)
	return e, storageErr("get entity by remote id "+remoteID, err)
}

// UpsertEntity writes e in its own commit. A non-empty op appends a
// chronicle record for the mutation.
func (s *Store) UpsertEntity(ctx context.Context, e *models.Entity, accountID string, op models.Operation) error {
	return s.Commit(ctx, e.CollectionID, func(ctx context.Context, tx *Tx) error {
		return tx.UpsertEntity(ctx, accountID, e, op)
	})
}

// DeleteEntity removes e in its own commit. A non-empty op appends a
// chronicle record for the mutation.
func (s *Store) DeleteEntity(ctx context.Context, e *models.Entity, accountID string, op models.Operation) error {
	return s.Commit(ctx, e.CollectionID, func(ctx context.Context, tx *Tx) error {
		return tx.DeleteEntity(ctx, accountID, e, op)
	})
}

// ListConflicts returns the newest conflict reports of an account.
func (s *Store) ListConflicts(ctx context.Context, accountID string, limit int) ([]*models.ConflictRecord, error) {
	c, err := s.repos.Conflicts(s.db).ListByAccount(ctx, accountID, limit)
	return c, storageErr("list conflicts", err)
}

// Commit runs fn inside one transaction while holding the collection's
// writer lock. Either every write made through tx lands, or none does.
func (s *Store) Commit(ctx context.Context, collectionID string, fn func(ctx context.Context, tx *Tx) error) error {
	defer s.locks.Lock(collectionID)()

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, db dbx.DBTX) error {
		return fn(ctx, &Tx{db: db, store: s, collectionID: collectionID})
	})
}
