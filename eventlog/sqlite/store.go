// Package sqlite provides a durable eventlog.Log on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/trickstertwo/xhist/eventlog"
)

// Store persists events in a SQLite database.
type Store struct {
	db   *sql.DB
	opts eventlog.Options
}

var _ eventlog.Log = (*Store)(nil)

// Open opens (or creates) the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string, opts eventlog.Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, opts: opts.WithDefaults()}
	s.opts.Logger.Info().Str("path", path).Msg("eventlog: sqlite store opened")
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes the batch in one transaction. A transaction id that was already committed
// makes the whole batch fail with eventlog.ErrConflict.
func (s *Store) Append(ctx context.Context, events []eventlog.Event) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := s.opts.Prepare(events)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx), 0) FROM events`).Scan(&head); err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	committedAt := s.opts.Clock.Now().UTC().UnixNano()
	for _, id := range eventlog.TransactionIDs(batch) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, committed_at) VALUES (?, ?)`, id, committedAt,
		); err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("%w: transaction %s already committed", eventlog.ErrConflict, id)
			}
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
    idx, type, priority, transaction_id, app_version, timestamp_ns, user_id, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		e := &batch[i]
		e.Index = head + int64(i) + 1
		if _, err := stmt.ExecContext(ctx,
			e.Index,
			string(e.Type),
			e.Type.Priority(),
			e.TransactionID,
			e.AppVersion,
			e.Timestamp.UTC().UnixNano(),
			e.UserID,
			[]byte(e.Payload),
		); err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("%w: %v", eventlog.ErrConflict, err)
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.opts.Logger.Debug().
		Str("first", strconv.FormatInt(batch[0].Index, 10)).
		Str("last", strconv.FormatInt(batch[len(batch)-1].Index, 10)).
		Msg("eventlog: appended")
	return batch, nil
}

type cursor struct {
	priority int
	index    int64
}

// Read pages through the log with keyset queries, so a long replay never holds a
// read transaction open.
func (s *Store) Read(ctx context.Context, after int64, order eventlog.Order) iter.Seq2[eventlog.Event, error] {
	return func(yield func(eventlog.Event, error) bool) {
		cur := cursor{priority: -1, index: max(after, 0)}
		for {
			page, err := s.page(ctx, after, order, cur)
			if err != nil {
				yield(eventlog.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			last := page[len(page)-1]
			cur = cursor{priority: last.Type.Priority(), index: last.Index}
		}
	}
}

const selectColumns = `SELECT idx, type, transaction_id, app_version, timestamp_ns, user_id, payload FROM events`

func (s *Store) page(ctx context.Context, after int64, order eventlog.Order, cur cursor) ([]eventlog.Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch order {
	case eventlog.Chronological:
		rows, err = s.db.QueryContext(ctx,
			selectColumns+` WHERE idx > ? ORDER BY idx LIMIT ?`,
			cur.index, s.opts.PageSize)
	case eventlog.PriorityOrder:
		rows, err = s.db.QueryContext(ctx,
			selectColumns+` WHERE idx > ? AND (priority > ? OR (priority = ? AND idx > ?))
ORDER BY priority, idx LIMIT ?`,
			max(after, 0), cur.priority, cur.priority, cur.index, s.opts.PageSize)
	default:
		return nil, fmt.Errorf("%w: %v", eventlog.ErrInvalidOrder, order)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]eventlog.Event, 0, s.opts.PageSize)
	for rows.Next() {
		var (
			e       eventlog.Event
			typ     string
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&e.Index, &typ, &e.TransactionID, &e.AppVersion, &ts, &e.UserID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = eventlog.Type(typ)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Head returns the highest committed index.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx), 0) FROM events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
