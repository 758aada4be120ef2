package collections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

const selectColumns = `id, account_id, entity_type, uuid, name, remote_id, local_state, remote_state, enabled`

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Create(ctx context.Context, c *models.Collection) error {
	query := r.dialect.Rebind(`INSERT INTO collections
		(id, account_id, entity_type, uuid, name, remote_id, local_state, remote_state, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, c.ID, c.AccountID, string(c.EntityType), c.UUID, c.Name,
		dbx.NullString(c.RemoteID), c.LocalState, c.RemoteState, c.Enabled)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Collection, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM collections WHERE id = ?`, id)
}

func (r *SQLRepository) GetByRemoteID(ctx context.Context, accountID, remoteID string) (*models.Collection, error) {
	return r.getOne(ctx, `SELECT `+selectColumns+` FROM collections WHERE account_id = ? AND remote_id = ?`, accountID, remoteID)
}

func (r *SQLRepository) getOne(ctx context.Context, query string, args ...any) (*models.Collection, error) {
	c, err := scanCollection(r.db.QueryRowContext(ctx, r.dialect.Rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.Collection, error) {
	query := r.dialect.Rebind(`SELECT ` + selectColumns + ` FROM collections WHERE account_id = ? ORDER BY entity_type, id`)
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to select collections: %w", err)
	}
	defer rows.Close()

	var result []*models.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) Update(ctx context.Context, c *models.Collection) error {
	query := r.dialect.Rebind(`UPDATE collections SET name = ?, remote_id = ?, local_state = ?, remote_state = ?, enabled = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, c.Name, dbx.NullString(c.RemoteID), c.LocalState, c.RemoteState, c.Enabled, c.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) SaveState(ctx context.Context, id, localState, remoteState string) error {
	query := r.dialect.Rebind(`UPDATE collections SET local_state = ?, remote_state = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, localState, remoteState, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM collections WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCollection(row scanner) (*models.Collection, error) {
	var (
		c          models.Collection
		entityType string
		remoteID   sql.NullString
	)
	if err := row.Scan(&c.ID, &c.AccountID, &entityType, &c.UUID, &c.Name, &remoteID,
		&c.LocalState, &c.RemoteState, &c.Enabled); err != nil {
		return nil, err
	}
	c.EntityType = models.EntityType(entityType)
	c.RemoteID = dbx.StringOrEmpty(remoteID)
	return &c, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
