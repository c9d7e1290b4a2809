// Package sqlite implements store.Store on a single-file sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nevotalya/dj-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS friends (
	identity_id TEXT NOT NULL,
	friend_id   TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (identity_id, friend_id)
);

CREATE INDEX IF NOT EXISTS idx_friends_identity ON friends(identity_id);
`

// Store is the sqlite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database at path and bootstraps the schema.
// Use ":memory:" for an ephemeral store. The pool is capped at one
// connection; sqlite serializes writers anyway and a single connection keeps
// the in-memory variant alive.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_fk=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) LoadIdentity(ctx context.Context, id string) (store.Identity, error) {
	var rec store.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name FROM identities WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return store.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return rec, nil
}

func (s *Store) SaveIdentity(ctx context.Context, rec store.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at   = CURRENT_TIMESTAMP`,
		rec.ID, rec.DisplayName)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *Store) AddFriendEdge(ctx context.Context, a, b string) error {
	return s.mutateEdge(ctx, a, b,
		`INSERT OR IGNORE INTO friends (identity_id, friend_id) VALUES (?, ?)`)
}

func (s *Store) RemoveFriendEdge(ctx context.Context, a, b string) error {
	return s.mutateEdge(ctx, a, b,
		`DELETE FROM friends WHERE identity_id = ? AND friend_id = ?`)
}

// mutateEdge applies stmt to both directions of the edge in one transaction
// so the graph can never end up half-linked.
func (s *Store) mutateEdge(ctx context.Context, a, b, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edge tx: %w", err)
	}
	defer tx.Rollback()

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx, stmt, pair[0], pair[1]); err != nil {
			return fmt.Errorf("mutate friend edge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edge tx: %w", err)
	}
	return nil
}

func (s *Store) LoadFriends(ctx context.Context, id string) ([]store.Friend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.friend_id, COALESCE(i.display_name, '')
		FROM friends f
		LEFT JOIN identities i ON i.id = f.friend_id
		WHERE f.identity_id = ?
		ORDER BY f.friend_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load friends: %w", err)
	}
	defer rows.Close()

	var friends []store.Friend
	for rows.Next() {
		var f store.Friend
		if err := rows.Scan(&f.ID, &f.DisplayName); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return friends, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
