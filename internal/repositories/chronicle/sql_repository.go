package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

const selectColumns = `id, account_id, collection_id, entity_id, entity_uuid, operation, stamp`

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Insert(ctx context.Context, rec *models.ChronicleRecord) (int64, error) {
	query := r.dialect.Rebind(`INSERT INTO chronicle (account_id, collection_id, entity_id, entity_uuid, operation, stamp)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := r.db.QueryRowContext(ctx, query, rec.AccountID, rec.CollectionID, rec.EntityID, rec.EntityUUID,
		string(rec.Operation), rec.Stamp).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *SQLRepository) CollectionsBefore(ctx context.Context, stamp int64) ([]string, error) {
	query := r.dialect.Rebind(`SELECT DISTINCT collection_id FROM chronicle WHERE stamp < ? ORDER BY collection_id`)
	rows, err := r.db.QueryContext(ctx, query, stamp)
	if err != nil {
		return nil, fmt.Errorf("failed to select collections: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLRepository) Apex(ctx context.Context, collectionID string) (Position, bool, error) {
	query := r.dialect.Rebind(`SELECT stamp, id FROM chronicle WHERE collection_id = ? ORDER BY stamp DESC, id DESC LIMIT 1`)

	var p Position
	err := r.db.QueryRowContext(ctx, query, collectionID).Scan(&p.Stamp, &p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("db error: %w", err)
	}
	return p, true, nil
}

func (r *SQLRepository) ListAfter(ctx context.Context, collectionID string, pos Position, limit int) ([]*models.ChronicleRecord, error) {
	query := r.dialect.Rebind(`SELECT ` + selectColumns + ` FROM chronicle
		WHERE collection_id = ? AND (stamp > ? OR (stamp = ? AND id > ?))
		ORDER BY stamp, id LIMIT ?`)
	return r.list(ctx, query, collectionID, pos.Stamp, pos.Stamp, pos.ID, limit)
}

func (r *SQLRepository) ListBefore(ctx context.Context, collectionID string, stamp int64, limit int) ([]*models.ChronicleRecord, error) {
	query := r.dialect.Rebind(`SELECT ` + selectColumns + ` FROM chronicle
		WHERE collection_id = ? AND stamp < ?
		ORDER BY stamp, id LIMIT ?`)
	return r.list(ctx, query, collectionID, stamp, limit)
}

func (r *SQLRepository) list(ctx context.Context, query string, args ...any) ([]*models.ChronicleRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select chronicle records: %w", err)
	}
	defer rows.Close()

	var result []*models.ChronicleRecord
	for rows.Next() {
		var (
			rec models.ChronicleRecord
			op  string
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.CollectionID, &rec.EntityID, &rec.EntityUUID, &op, &rec.Stamp); err != nil {
			return nil, err
		}
		rec.Operation = models.Operation(op)
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) DeleteThrough(ctx context.Context, collectionID string, pos Position) (int64, error) {
	query := r.dialect.Rebind(`DELETE FROM chronicle
		WHERE collection_id = ? AND (stamp < ? OR (stamp = ? AND id <= ?))`)
	res, err := r.db.ExecContext(ctx, query, collectionID, pos.Stamp, pos.Stamp, pos.ID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *SQLRepository) SetHorizon(ctx context.Context, collectionID string, pos Position) error {
	query := r.dialect.Rebind(`INSERT INTO chronicle_horizons (collection_id, stamp, record_id) VALUES (?, ?, ?)
		ON CONFLICT (collection_id) DO UPDATE SET stamp = excluded.stamp, record_id = excluded.record_id`)
	if _, err := r.db.ExecContext(ctx, query, collectionID, pos.Stamp, pos.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) Horizon(ctx context.Context, collectionID string) (Position, bool, error) {
	query := r.dialect.Rebind(`SELECT stamp, record_id FROM chronicle_horizons WHERE collection_id = ?`)

	var p Position
	err := r.db.QueryRowContext(ctx, query, collectionID).Scan(&p.Stamp, &p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("db error: %w", err)
	}
	return p, true, nil
}
