package loaders

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite" // SQLite driver

	zen "github.com/wippyai/zen-runtime"
)

// DefaultTable holds decisions for the SQL store.
const DefaultTable = "zen_decisions"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQL stores decisions in a table keyed by decision key. Statements are
// written for SQLite.
type SQL struct {
	db    *sql.DB
	table string
}

// NewSQL wraps db. An empty table selects DefaultTable.
func NewSQL(db *sql.DB, table string) (*SQL, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQL{db: db, table: table}, nil
}

// OpenSQLite opens (or creates) a SQLite database and ensures the schema.
// An empty table selects DefaultTable.
func OpenSQLite(ctx context.Context, dsn, table string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQL(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the decision table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		decision_key TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Load implements zen.Loader.
func (s *SQL) Load(ctx context.Context, key string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM `+s.table+` WHERE decision_key = ?`, key).Scan(&content)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, zen.ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query decision %q: %w", key, err)
	}
	return normalize(key, content)
}

// Put inserts or replaces the decision stored under key.
func (s *SQL) Put(ctx context.Context, key string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (decision_key, content) VALUES (?, ?)
		 ON CONFLICT(decision_key) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		key, content)
	if err != nil {
		return fmt.Errorf("store decision %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE decision_key = ?`, key); err != nil {
		return fmt.Errorf("delete decision %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}
