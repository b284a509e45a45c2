package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// Pending is a tracked record still awaiting remote processing.
type Pending struct {
	Identity string
	QueueID  string
}

// PendingQueued returns the records of one generation that are still in
// the queued state, whose last tracking write falls inside the given date
// range. This is the local side of the future GET reconciliation path:
// the reconciler would take these queue ids to the remote and transition
// the rows out of queued.
//
// from and to accept the date formats the legacy tooling emits; see
// NormalizeDate.
func (s *Store) PendingQueued(table, idColumn, generation, from, to string) ([]Pending, error) {
	name, err := trackingTable(table)
	if err != nil {
		return nil, err
	}
	if err := validColumn(idColumn); err != nil {
		return nil, err
	}

	start, err := NormalizeDate(from)
	if err != nil {
		return nil, err
	}
	end, err := NormalizeDate(to)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT %[2]s, queue_id
	FROM %[1]s
	WHERE status = ? AND deleted = 0 AND sync_generation = ?
	AND DATE(last_reviewed_at) BETWEEN ? AND ?
	`, name, idColumn)

	var pending []Pending
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		stmt, _, err := conn.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare pending query on %s: %w", name, err)
		}
		defer stmt.Close()

		if err := bindAll(stmt, string(StatusQueued), generation, start, end); err != nil {
			return err
		}
		for stmt.Step() {
			pending = append(pending, Pending{
				Identity: stmt.ColumnText(0),
				QueueID:  stmt.ColumnText(1),
			})
		}
		if err := stmt.Err(); err != nil {
			return fmt.Errorf("pending query on %s failed: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("table", table).Int("pending", len(pending)).Msg("pending queued records")
	return pending, nil
}

// dateFormats are the input shapes the legacy tooling produces.
var dateFormats = []string{
	"2006-01-02", // ISO, preferred
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2006/01/02",
}

// NormalizeDate parses a date in any accepted format and renders it as
// ISO 8601 (YYYY-MM-DD).
func NormalizeDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("store: empty date")
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("store: unparseable date %q", value)
}
