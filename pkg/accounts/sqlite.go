package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps accounts in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL,
  project_id INTEGER NOT NULL,
  platform TEXT NOT NULL,
  account_name TEXT NOT NULL,
  username TEXT,
  status INTEGER NOT NULL DEFAULT 0,
  last_auth_time TEXT,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS accounts_status ON accounts (status);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}

// Create inserts an account and returns its ID.
func (s *SQLiteStore) Create(ctx context.Context, a Account) (int64, error) {
	const stmt = `
INSERT INTO accounts (user_id, project_id, platform, account_name, username, status, last_auth_time, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, stmt,
		a.UserID,
		a.ProjectID,
		a.Platform,
		a.Name,
		a.Username,
		int(a.Status),
		formatTime(a.LastAuthTime),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// Get returns one account.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccounts+` WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// ListByStatus returns accounts with the given status ordered by ID.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccounts+` WHERE status = ? ORDER BY id`, int(status))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Begin starts a transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpdateStatus(ctx context.Context, id int64, status Status, lastAuth time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	var (
		res sql.Result
		err error
	)
	if lastAuth.IsZero() {
		res, err = t.tx.ExecContext(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`, int(status), now, id)
	} else {
		res, err = t.tx.ExecContext(ctx, `UPDATE accounts SET status = ?, last_auth_time = ?, updated_at = ? WHERE id = ?`,
			int(status), lastAuth.UTC().Format(timeLayout), now, id)
	}
	if err != nil {
		return fmt.Errorf("update account %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

const selectAccounts = `SELECT id, user_id, project_id, platform, account_name, COALESCE(username, ''), status, last_auth_time FROM accounts`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a        Account
		status   int
		lastAuth sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ProjectID, &a.Platform, &a.Name, &a.Username, &status, &lastAuth); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if lastAuth.Valid && lastAuth.String != "" {
		t, err := time.Parse(timeLayout, lastAuth.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_auth_time: %w", err)
		}
		a.LastAuthTime = &t
	}
	return &a, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
