package store

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

// Cut is one reconciliation boundary: an identifier plus the date it
// starts. Cuts are consumed by external reconciliation tooling; this core
// only maintains the table. The schema is fixed for compatibility with
// that tooling.
type Cut struct {
	ID         string
	StartDate  string
	InsertedAt string
}

// EnsureCuts creates the cuts table if it does not exist. Idempotent.
func (s *Store) EnsureCuts() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS cuts (
		cut_id TEXT PRIMARY KEY NOT NULL,
		start_date TEXT NOT NULL,
		inserted_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`
	return s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		if err := conn.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create cuts table: %w", err)
		}
		return nil
	})
}

// InsertCut records a new cut boundary. startDate accepts the formats of
// NormalizeDate and is stored in ISO form.
func (s *Store) InsertCut(cutID, startDate string) error {
	start, err := NormalizeDate(startDate)
	if err != nil {
		return err
	}

	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		stmt, _, err := conn.Prepare(`INSERT INTO cuts (cut_id, start_date) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare cut insert: %w", err)
		}
		defer stmt.Close()

		if err := bindAll(stmt, cutID, start); err != nil {
			return err
		}
		stmt.Step()
		if err := stmt.Err(); err != nil {
			return fmt.Errorf("failed to insert cut %s: %w", cutID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("cut", cutID).Str("start", start).Msg("cut inserted")
	return nil
}

// CutForDate returns the most recent cut whose start date is on or before
// the given date, or nil if none exists.
func (s *Store) CutForDate(date string) (*Cut, error) {
	ref, err := NormalizeDate(date)
	if err != nil {
		return nil, err
	}

	var cut *Cut
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		stmt, _, err := conn.Prepare(`
		SELECT cut_id, start_date, inserted_at
		FROM cuts
		WHERE start_date <= ?
		ORDER BY start_date DESC
		LIMIT 1`)
		if err != nil {
			return fmt.Errorf("failed to prepare cut query: %w", err)
		}
		defer stmt.Close()

		if err := bindAll(stmt, ref); err != nil {
			return err
		}
		if stmt.Step() {
			cut = &Cut{
				ID:         stmt.ColumnText(0),
				StartDate:  stmt.ColumnText(1),
				InsertedAt: stmt.ColumnText(2),
			}
		}
		return stmt.Err()
	})
	if err != nil {
		return nil, err
	}
	return cut, nil
}

// CutsInRange returns the cuts starting within [from, to], oldest first.
func (s *Store) CutsInRange(from, to string) ([]Cut, error) {
	start, err := NormalizeDate(from)
	if err != nil {
		return nil, err
	}
	end, err := NormalizeDate(to)
	if err != nil {
		return nil, err
	}

	var cuts []Cut
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		stmt, _, err := conn.Prepare(`
		SELECT cut_id, start_date, inserted_at
		FROM cuts
		WHERE start_date >= ? AND start_date <= ?
		ORDER BY start_date ASC`)
		if err != nil {
			return fmt.Errorf("failed to prepare cuts range query: %w", err)
		}
		defer stmt.Close()

		if err := bindAll(stmt, start, end); err != nil {
			return err
		}
		for stmt.Step() {
			cuts = append(cuts, Cut{
				ID:         stmt.ColumnText(0),
				StartDate:  stmt.ColumnText(1),
				InsertedAt: stmt.ColumnText(2),
			})
		}
		return stmt.Err()
	})
	if err != nil {
		return nil, err
	}
	return cuts, nil
}
