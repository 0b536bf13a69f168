package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens or creates the catalog database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Writes are synchronous (WAL +
// synchronous=FULL) so a returned call is durable.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	return &SQLiteCatalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS record_state (
		id TEXT PRIMARY KEY,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		last_accessed_at INTEGER NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_record_state_deleted ON record_state(deleted);
	`
	_, err := db.Exec(schema)
	return err
}

// LoadStates returns every stored state keyed by record id.
func (s *SQLiteCatalog) LoadStates(ctx context.Context) (map[string]RecordState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deleted, deleted_at, last_accessed_at, access_count FROM record_state`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]RecordState)
	for rows.Next() {
		var (
			st         RecordState
			deleted    int
			deletedAt  sql.NullInt64
			lastAccess int64
		)
		if err := rows.Scan(&st.ID, &deleted, &deletedAt, &lastAccess, &st.AccessCount); err != nil {
			return nil, err
		}
		st.Deleted = deleted != 0
		if deletedAt.Valid {
			st.DeletedAt = time.Unix(0, deletedAt.Int64).UTC()
		}
		if lastAccess > 0 {
			st.LastAccessedAt = time.Unix(0, lastAccess).UTC()
		}
		states[st.ID] = st
	}
	return states, rows.Err()
}

// MarkDeleted sets the tombstone for id.
func (s *SQLiteCatalog) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_state (id, deleted, deleted_at) VALUES (?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET deleted = 1, deleted_at = COALESCE(deleted_at, excluded.deleted_at)`,
		id, at.UnixNano(),
	)
	return err
}

// Touch increments access counts in a single transaction. last_accessed_at only moves forward.
func (s *SQLiteCatalog) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO record_state (id, access_count, last_accessed_at) VALUES (?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET
			access_count = access_count + 1,
			last_accessed_at = MAX(last_accessed_at, excluded.last_accessed_at)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := at.UnixNano()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, ts); err != nil {
			return fmt.Errorf("touch %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Purge deletes the state rows of ids in a single transaction.
func (s *SQLiteCatalog) Purge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM record_state WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountDeleted returns the number of tombstoned records.
func (s *SQLiteCatalog) CountDeleted(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_state WHERE deleted = 1`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}
