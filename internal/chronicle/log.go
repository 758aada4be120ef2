// Package chronicle is the append-only per-collection change log consumed by
// protocol adapters to serve incremental sync (DAV sync-collection style).
//
// Records are ordered by (stamp, id). A Token names the last record a
// consumer has seen; Since returns everything strictly after it. Retention
// trimming moves the collection's horizon forward, and tokens older than the
// horizon fail with ErrTokenExpired so the consumer performs a full resync.
package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
)

// ErrTokenExpired is returned by Since for tokens older than the trim horizon.
var ErrTokenExpired = errors.New("sync token expired")

const (
	defaultLimit     = 500
	defaultTrimBatch = 500
)

// Archiver receives trimmed records before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, collectionID string, records []*models.ChronicleRecord) error
}

// Delta is one page of changes.
type Delta struct {
	// Records holds the page in log order.
	Records []*models.ChronicleRecord

	Additions     []*models.ChronicleRecord
	Modifications []*models.ChronicleRecord
	Deletions     []*models.ChronicleRecord

	// Token is the position after this page; pass it to the next Since call.
	Token Token

	// More is true when another page is available right away.
	More bool
}

// Log reads and writes the chronicle table.
type Log struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	clock     *Clock
	archiver  Archiver
	trimBatch int
	logger    logging.Logger

	trimMu sync.Mutex
}

// Option customizes a Log.
type Option func(*Log)

// WithClock replaces the stamp clock.
func WithClock(c *Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithArchiver sets the destination of trimmed records.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

// WithTrimBatch sets how many records Trim handles per transaction.
func WithTrimBatch(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.trimBatch = n
		}
	}
}

// NewLog constructs a Log over db.
func NewLog(db *sql.DB, repos repomanager.RepositoryManager, logger logging.Logger, opts ...Option) *Log {
	l := &Log{
		db:        db,
		repos:     repos,
		clock:     NewClock(nil),
		trimBatch: defaultTrimBatch,
		logger:    logging.Module(logger, "chronicle"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append stamps rec and inserts it through db, which is normally the
// transaction that applied the entity mutation.
func (l *Log) Append(ctx context.Context, db dbx.DBTX, rec *models.ChronicleRecord) error {
	repo := l.repos.Chronicle(db)

	apex, ok, err := repo.Apex(ctx, rec.CollectionID)
	if err != nil {
		return err
	}
	if ok {
		l.clock.Observe(apex.Stamp)
	}
	rec.Stamp = l.clock.Next()

	if _, err := repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("append chronicle record: %w", err)
	}
	return nil
}

// Apex returns a token naming the newest record of the collection. It is a
// valid starting point for Since.
func (l *Log) Apex(ctx context.Context, collectionID string) (Token, error) {
	repo := l.repos.Chronicle(l.db)

	p, ok, err := repo.Apex(ctx, collectionID)
	if err != nil {
		return "", err
	}
	if ok {
		return newToken(p), nil
	}
	h, ok, err := repo.Horizon(ctx, collectionID)
	if err != nil {
		return "", err
	}
	if ok {
		return newToken(h), nil
	}
	return "", nil
}

// Since returns up to limit records strictly after token. A non-positive
// limit selects the default page size. When the page is empty the returned
// token equals the one passed in.
func (l *Log) Since(ctx context.Context, collectionID string, token Token, limit int) (*Delta, error) {
	pos, err := token.position()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	repo := l.repos.Chronicle(l.db)
	h, trimmed, err := repo.Horizon(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if trimmed && before(pos, h) {
		return nil, ErrTokenExpired
	}

	recs, err := repo.ListAfter(ctx, collectionID, pos, limit+1)
	if err != nil {
		return nil, err
	}

	d := &Delta{Token: token}
	if len(recs) > limit {
		d.More = true
		recs = recs[:limit]
	}
	d.Records = recs
	for _, r := range recs {
		switch r.Operation {
		case models.OperationCreate:
			d.Additions = append(d.Additions, r)
		case models.OperationDelete:
			d.Deletions = append(d.Deletions, r)
		default:
			d.Modifications = append(d.Modifications, r)
		}
	}
	if n := len(recs); n > 0 {
		d.Token = newToken(positionOf(recs[n-1]))
	}
	return d, nil
}

// Trim removes records stamped before olderThan, archiving them first when
// an Archiver is configured. It returns the number of records removed.
func (l *Log) Trim(ctx context.Context, olderThan time.Time) (int64, error) {
	l.trimMu.Lock()
	defer l.trimMu.Unlock()

	cutoff := dbx.Micros(olderThan)
	ids, err := l.repos.Chronicle(l.db).CollectionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, id := range ids {
		n, err := l.trimCollection(ctx, id, cutoff)
		total += n
		if err != nil {
			return total, fmt.Errorf("trim collection %s: %w", id, err)
		}
	}
	if total > 0 {
		l.logger.Info(ctx, "chronicle trimmed", "records", total, "collections", len(ids))
	}
	return total, nil
}

func (l *Log) trimCollection(ctx context.Context, collectionID string, cutoff int64) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		recs, err := l.repos.Chronicle(l.db).ListBefore(ctx, collectionID, cutoff, l.trimBatch)
		if err != nil {
			return total, err
		}
		if len(recs) == 0 {
			return total, nil
		}

		if l.archiver != nil {
			if err := l.archiver.Archive(ctx, collectionID, recs); err != nil {
				return total, fmt.Errorf("archive: %w", err)
			}
		}

		through := positionOf(recs[len(recs)-1])
		var n int64
		err = dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := l.repos.Chronicle(tx)
			var err error
			if n, err = repo.DeleteThrough(ctx, collectionID, through); err != nil {
				return err
			}
			return repo.SetHorizon(ctx, collectionID, through)
		})
		if err != nil {
			return total, err
		}
		total += n

		if len(recs) < l.trimBatch {
			return total, nil
		}
	}
}
