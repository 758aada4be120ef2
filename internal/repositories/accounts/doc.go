// Package accounts provides persistence for service accounts.
//
// # Lease columns
//
// The lease triple (locked, lease_holder, lease_heartbeat) is only changed
// through conditional updates: SwapLease compares the full triple before
// writing, so two processes racing for a stale lease cannot both win.
// Heartbeat timestamps are stored as unix microseconds.
//
// Typical Usage
//
//	repo := accounts.NewSQLRepository(db, dbx.DialectSQLite)
//	acc, err := repo.GetByID(ctx, id)
//	ok, err := repo.SwapLease(ctx, id, observed, next)
package accounts
