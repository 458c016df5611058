package transcript

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

// Store persists transcript turns in a SQLite database. It is safe for
// concurrent use.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenStore opens (creating if needed) the SQLite transcript database at
// path and ensures its schema exists.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("transcript: store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: open sqlite: %w", err)
	}
	// A single writer keeps upserts of one streaming turn ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("transcript: init schema: %w", err)
	}
	return nil
}

// WriteTurn implements [Sink]. Re-writing a turn updates its text and keeps
// its original creation time.
func (s *Store) WriteTurn(ctx context.Context, t Turn) error {
	created := t.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(id, session_id, role, text, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET text=excluded.text, updated_at=excluded.updated_at`,
		t.ID, t.SessionID, string(t.Role), t.Text, created.UnixNano(), s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("transcript: write turn %s: %w", t.ID, err)
	}
	return nil
}

// Turns returns the stored turns of one session in creation order.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text, created_at
		 FROM turns WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t       Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Text, &created); err != nil {
			return nil, fmt.Errorf("transcript: scan turn: %w", err)
		}
		t.Role = Role(role)
		t.Timestamp = time.Unix(0, created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: iterate turns: %w", err)
	}
	return out, nil
}

// Sessions returns the IDs of all sessions with stored turns, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM turns GROUP BY session_id ORDER BY MIN(created_at) ASC`)
	if err != nil {
		return nil, fmt.Errorf("transcript: query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("transcript: scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
