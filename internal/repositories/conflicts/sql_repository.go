package conflicts

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Insert(ctx context.Context, c *models.ConflictRecord) error {
	query := r.dialect.Rebind(`INSERT INTO conflicts
		(account_id, collection_id, entity_id, remote_id, classification, policy, winner, local_modified, remote_modified, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowContext(ctx, query, c.AccountID, c.CollectionID, c.EntityID, c.RemoteID, c.Classification,
		string(c.Policy), string(c.Winner), dbx.Micros(c.LocalModified), dbx.Micros(c.RemoteModified), dbx.Micros(c.ResolvedAt)).
		Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.ConflictRecord, error) {
	query := r.dialect.Rebind(`SELECT id, account_id, collection_id, entity_id, remote_id, classification, policy, winner,
		local_modified, remote_modified, resolved_at
		FROM conflicts WHERE account_id = ? ORDER BY resolved_at DESC, id DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.ConflictRecord
	for rows.Next() {
		var (
			c                         models.ConflictRecord
			policy, winner            string
			local, remote, resolvedAt int64
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &c.CollectionID, &c.EntityID, &c.RemoteID, &c.Classification,
			&policy, &winner, &local, &remote, &resolvedAt); err != nil {
			return nil, err
		}
		c.Policy = models.ConflictPolicy(policy)
		c.Winner = models.Side(winner)
		c.LocalModified = dbx.FromMicros(local)
		c.RemoteModified = dbx.FromMicros(remote)
		c.ResolvedAt = dbx.FromMicros(resolvedAt)
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
