package rkstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteIDs struct{ db *sql.DB }

// openSQLiteIDs opens/creates the ID database and ensures schema + PRAGMAs.
// Transactions start IMMEDIATE so concurrent writers serialize on begin.
func openSQLiteIDs(path string) (*sqliteIDs, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS receipt_ids (
  id TEXT PRIMARY KEY
) WITHOUT ROWID;
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteIDs{db: db}, nil
}

func (s *sqliteIDs) has(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM receipt_ids WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteIDs) count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM receipt_ids`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func (s *sqliteIDs) begin(ctx context.Context) (*sql.Tx, error) {
	return backoff.Retry(ctx, func() (*sql.Tx, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil && !isBusy(err) {
			return nil, backoff.Permanent(err)
		}
		return tx, err
	}, backoff.WithMaxTries(5), backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

// commit applies all staged changes in one transaction. A row that already
// exists means another writer used the ID since it was checked.
func (s *sqliteIDs) commit(clear bool, ids []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if clear {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_ids`); err != nil {
			return err
		}
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO receipt_ids(id) VALUES(?) ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateReceipt, id)
		}
	}
	return tx.Commit()
}

func (s *sqliteIDs) close() error { return s.db.Close() }
