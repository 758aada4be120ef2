package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

const selectColumns = `id, collection_id, uuid, content, signature, remote_id, last_remote_signature,
	modified_at, deleted, pinned`

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Upsert(ctx context.Context, e *models.Entity) error {
	query := r.dialect.Rebind(`INSERT INTO entities
		(id, collection_id, uuid, content, signature, remote_id, last_remote_signature, modified_at, deleted, pinned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			signature = excluded.signature,
			remote_id = excluded.remote_id,
			last_remote_signature = excluded.last_remote_signature,
			modified_at = excluded.modified_at,
			deleted = excluded.deleted,
			pinned = excluded.pinned`)
	_, err := r.db.ExecContext(ctx, query, e.ID, e.CollectionID, e.UUID, e.Content, e.Signature,
		dbx.NullString(e.RemoteID), e.LastRemoteSignature, dbx.Micros(e.ModifiedAt), e.Deleted, e.Pinned)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM entities WHERE id = ?`, id)
}

func (r *SQLRepository) GetByUUID(ctx context.Context, collectionID, uuid string) (*models.Entity, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM entities WHERE collection_id = ? AND uuid = ?`, collectionID, uuid)
}

func (r *SQLRepository) GetByRemoteID(ctx context.Context, collectionID, remoteID string) (*models.Entity, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM entities WHERE collection_id = ? AND remote_id = ?`, collectionID, remoteID)
}

func (r *SQLRepository) getOne(ctx context.Context, query string, args ...any) (*models.Entity, error) {
	e, err := scanEntity(r.db.QueryRowContext(ctx, r.dialect.Rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *SQLRepository) ListByCollection(ctx context.Context, collectionID string) ([]*models.Entity, error) {
	query := r.dialect.Rebind(`SELECT ` + selectColumns + ` FROM entities WHERE collection_id = ? ORDER BY id`)
	rows, err := r.db.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM entities WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*models.Entity, error) {
	var (
		e        models.Entity
		remoteID sql.NullString
		modified int64
	)
	if err := row.Scan(&e.ID, &e.CollectionID, &e.UUID, &e.Content, &e.Signature, &remoteID,
		&e.LastRemoteSignature, &modified, &e.Deleted, &e.Pinned); err != nil {
		return nil, err
	}
	e.RemoteID = dbx.StringOrEmpty(remoteID)
	e.ModifiedAt = dbx.FromMicros(modified)
	return &e, nil
}
