package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/models"
)

const selectColumns = `id, user_id, connection, enabled, connected, settings, locked, lease_holder,
	lease_heartbeat, last_run_state, last_run_at, last_run_error`

// SQLRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

// NewSQLRepository constructs a repository bound to the given DBTX.
func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Create(ctx context.Context, a *models.ServiceAccount) error {
	settings, err := json.Marshal(a.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	query := r.dialect.Rebind(`INSERT INTO accounts (id, user_id, connection, enabled, connected, settings)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, a.ID, a.UserID, a.Connection, a.Enabled, a.Connected, string(settings)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.ServiceAccount, error) {
	query := r.dialect.Rebind(`SELECT ` + selectColumns + ` FROM accounts WHERE id = ?`)
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*models.ServiceAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts: %w", err)
	}
	defer rows.Close()

	var result []*models.ServiceAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) SetConnected(ctx context.Context, id string, connected bool) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`UPDATE accounts SET connected = ? WHERE id = ?`), connected, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) UpdateSettings(ctx context.Context, id string, enabled bool, settings map[models.EntityType]models.TypeSettings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(`UPDATE accounts SET enabled = ?, settings = ? WHERE id = ?`), enabled, string(b), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) RecordRun(ctx context.Context, id string, state models.RunState, at time.Time, reason string) error {
	query := r.dialect.Rebind(`UPDATE accounts SET last_run_state = ?, last_run_at = ?, last_run_error = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, string(state), dbx.Micros(at), reason, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) SwapLease(ctx context.Context, id string, expect, next Lease) (bool, error) {
	query := r.dialect.Rebind(`UPDATE accounts SET locked = ?, lease_holder = ?, lease_heartbeat = ?
		WHERE id = ? AND locked = ? AND lease_holder = ? AND lease_heartbeat = ?`)
	res, err := r.db.ExecContext(ctx, query,
		next.Locked, next.Holder, dbx.Micros(next.Heartbeat),
		id, expect.Locked, expect.Holder, dbx.Micros(expect.Heartbeat))
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return affected(res)
}

func (r *SQLRepository) TouchLease(ctx context.Context, id, holder string, at time.Time) (bool, error) {
	query := r.dialect.Rebind(`UPDATE accounts SET lease_heartbeat = ? WHERE id = ? AND locked = ? AND lease_holder = ?`)
	res, err := r.db.ExecContext(ctx, query, dbx.Micros(at), id, true, holder)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return affected(res)
}

func (r *SQLRepository) ClearLease(ctx context.Context, id, holder string) (bool, error) {
	query := r.dialect.Rebind(`UPDATE accounts SET locked = ?, lease_holder = '', lease_heartbeat = 0
		WHERE id = ? AND locked = ? AND lease_holder = ?`)
	res, err := r.db.ExecContext(ctx, query, false, id, true, holder)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return affected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.ServiceAccount, error) {
	var (
		a                  models.ServiceAccount
		settings           string
		heartbeat, lastRun int64
		lastState          string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Connection, &a.Enabled, &a.Connected, &settings,
		&a.Locked, &a.LeaseHolder, &heartbeat, &lastState, &lastRun, &a.LastRunError); err != nil {
		return nil, err
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &a.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	a.LeaseHeartbeat = dbx.FromMicros(heartbeat)
	a.LastRunAt = dbx.FromMicros(lastRun)
	a.LastRunState = models.RunState(lastState)
	return &a, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
