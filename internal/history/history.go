// Package history keeps a local record of finished races. The server owns
// the canonical leaderboard; this store just lets a client show its own
// past results without a round trip.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Result is one finished race from the local participant's point of view.
type Result struct {
	ID         int64
	RaceID     string
	WPM        int
	Accuracy   int
	Rank       int
	FinishedAt time.Time
}

// Store wraps SQLite access for race results.
type Store struct {
	db *sql.DB
}

// Open opens or creates the results database and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY,
		race_id TEXT NOT NULL,
		wpm INTEGER NOT NULL,
		accuracy INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		finished_at TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_results_finished_at ON results(finished_at);`)
	return err
}

// Record stores one finished race.
func (s *Store) Record(ctx context.Context, r Result) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (race_id, wpm, accuracy, rank, finished_at) VALUES (?, ?, ?, ?, ?)`,
		r.RaceID, r.WPM, r.Accuracy, r.Rank, r.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, race_id, wpm, accuracy, rank, finished_at
		 FROM results ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var finished string
		if err := rows.Scan(&r.ID, &r.RaceID, &r.WPM, &r.Accuracy, &r.Rank, &finished); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
