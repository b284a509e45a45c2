// Package store is the bridge between record identities and durable
// tracking rows in the local SQLite store.
//
// One tracking table exists per synchronized source table. Rows are
// created by a successful "new" transfer, mutated by "changed" and delete
// transfers, and never physically removed: deletion is a status
// transition. Each write surface runs in its own explicit transaction;
// a failure rolls back that transaction only, leaving earlier committed
// chunks untouched.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/sqlitepool"
)

// Status is the lifecycle state of a tracked record.
//
// queued: sent as new, awaiting remote acknowledgment.
// updated: a changed transfer succeeded; value confirmed by the remote.
// deleted: a delete transfer succeeded. There is no transition back.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

// TrackedRecord is one row of a tracking table, projected for comparison
// and delete transfers.
type TrackedRecord struct {
	Identity       string
	ContentHash    string
	Generation     string
	Status         Status
	Deleted        bool
	QueueID        string
	OriginDate     string
	LastReviewedAt string
}

// Store provides the read/write surfaces over the tracking tables.
type Store struct {
	pool    *sqlitepool.Pool
	timeout time.Duration
	log     zerolog.Logger
}

// New returns a Store over the given pool. timeout bounds every
// connection acquisition.
func New(pool *sqlitepool.Pool, timeout time.Duration, log zerolog.Logger) *Store {
	return &Store{
		pool:    pool,
		timeout: timeout,
		log:     log.With().Str("component", "store").Logger(),
	}
}

// EnsureTable creates the tracking table for a source table if it does
// not exist. Idempotent.
func (s *Store) EnsureTable(table, idColumn string) error {
	name, err := trackingTable(table)
	if err != nil {
		return err
	}
	if err := validColumn(idColumn); err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		%[2]s TEXT NOT NULL,
		sync_generation TEXT NOT NULL,
		status TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		queue_id TEXT,
		origin_date TEXT,
		last_reviewed_at TEXT NOT NULL,
		PRIMARY KEY (%[2]s, sync_generation)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status, deleted);
	`, name, idColumn)

	return s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		if err := conn.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create tracking table %s: %w", name, err)
		}
		return nil
	})
}

// Lookup fetches the tracked rows matching the identities of the given
// records, for one generation, excluding deleted rows.
//
// Identities are queried in bounded IN-clauses of chunkSize. The result
// maps identity to its tracked row; identity is unique within a
// generation, so no identity maps to more than one row. Identities with
// no tracked row are simply absent from the result.
func (s *Store) Lookup(table, idColumn string, recs []*record.Record, generation string, chunkSize int) (map[string]TrackedRecord, error) {
	name, err := trackingTable(table)
	if err != nil {
		return nil, err
	}
	if err := validColumn(idColumn); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.HasIdentity() {
			ids = append(ids, r.Meta.Identity)
		}
	}
	if len(ids) == 0 {
		return map[string]TrackedRecord{}, nil
	}

	results := make(map[string]TrackedRecord, len(ids))
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		for _, chunk := range chunkStrings(ids, chunkSize) {
			if err := s.lookupChunk(conn, name, idColumn, chunk, generation, results); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("table", table).
		Int("queried", len(ids)).
		Int("matched", len(results)).
		Msg("reference lookup complete")
	return results, nil
}

// lookupChunk issues one bounded SELECT and merges its rows into results.
func (s *Store) lookupChunk(conn *sqlite3.Conn, name, idColumn string, chunk []string, generation string, results map[string]TrackedRecord) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
	query := fmt.Sprintf(`
	SELECT %[2]s, content_hash, status, deleted, queue_id, origin_date, last_reviewed_at
	FROM %[1]s
	WHERE %[2]s IN (%[3]s) AND sync_generation = ? AND deleted = 0
	`, name, idColumn, placeholders)

	stmt, _, err := conn.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare lookup on %s: %w", name, err)
	}
	defer stmt.Close()

	for i, id := range chunk {
		if err := stmt.BindText(i+1, id); err != nil {
			return fmt.Errorf("failed to bind lookup identity: %w", err)
		}
	}
	if err := stmt.BindText(len(chunk)+1, generation); err != nil {
		return fmt.Errorf("failed to bind generation: %w", err)
	}

	for stmt.Step() {
		row := TrackedRecord{
			Identity:       stmt.ColumnText(0),
			ContentHash:    stmt.ColumnText(1),
			Status:         Status(stmt.ColumnText(2)),
			Deleted:        stmt.ColumnInt64(3) != 0,
			QueueID:        stmt.ColumnText(4),
			OriginDate:     stmt.ColumnText(5),
			LastReviewedAt: stmt.ColumnText(6),
			Generation:     generation,
		}
		results[row.Identity] = row
	}
	if err := stmt.Err(); err != nil {
		return fmt.Errorf("lookup on %s failed: %w", name, err)
	}
	return nil
}

// TrackedAll returns every non-deleted tracked row of one generation,
// keyed by identity.
//
// This is the read surface behind deletion detection: an extraction can
// only name the identities it contains, so rows whose identity vanished
// from the source are found by scanning the generation and keeping what
// the extraction did not cover.
func (s *Store) TrackedAll(table, idColumn, generation string) (map[string]TrackedRecord, error) {
	name, err := trackingTable(table)
	if err != nil {
		return nil, err
	}
	if err := validColumn(idColumn); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT %[2]s, content_hash, status, deleted, queue_id, origin_date, last_reviewed_at
	FROM %[1]s
	WHERE sync_generation = ? AND deleted = 0
	`, name, idColumn)

	results := make(map[string]TrackedRecord)
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		stmt, _, err := conn.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare tracked scan on %s: %w", name, err)
		}
		defer stmt.Close()

		if err := stmt.BindText(1, generation); err != nil {
			return fmt.Errorf("failed to bind generation: %w", err)
		}
		for stmt.Step() {
			row := TrackedRecord{
				Identity:       stmt.ColumnText(0),
				ContentHash:    stmt.ColumnText(1),
				Status:         Status(stmt.ColumnText(2)),
				Deleted:        stmt.ColumnInt64(3) != 0,
				QueueID:        stmt.ColumnText(4),
				OriginDate:     stmt.ColumnText(5),
				LastReviewedAt: stmt.ColumnText(6),
				Generation:     generation,
			}
			results[row.Identity] = row
		}
		if err := stmt.Err(); err != nil {
			return fmt.Errorf("tracked scan on %s failed: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("table", table).Int("tracked", len(results)).Msg("tracked scan complete")
	return results, nil
}

// InsertTracked records one successful "new" transfer: one row per record,
// inside a single transaction.
//
// Records lacking an identity are skipped with a warning, never a fatal
// error. Returns the number of rows inserted.
func (s *Store) InsertTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status Status) (int, error) {
	name, err := trackingTable(table)
	if err != nil {
		return 0, err
	}
	if err := validColumn(idColumn); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (%[2]s, sync_generation, status, content_hash, deleted, queue_id, origin_date, last_reviewed_at)
	VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	ON CONFLICT(%[2]s, sync_generation) DO UPDATE SET
		status = excluded.status,
		content_hash = excluded.content_hash,
		deleted = 0,
		queue_id = excluded.queue_id,
		origin_date = excluded.origin_date,
		last_reviewed_at = excluded.last_reviewed_at
	`, name, idColumn)

	inserted := 0
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		return s.inTransaction(conn, func() error {
			stmt, _, err := conn.Prepare(query)
			if err != nil {
				return fmt.Errorf("failed to prepare insert on %s: %w", name, err)
			}
			defer stmt.Close()

			now := timestamp()
			for _, r := range recs {
				if !r.HasIdentity() {
					s.log.Warn().Str("table", table).Msg("skipping record without identity")
					continue
				}
				if err := bindAll(stmt,
					r.Meta.Identity, generation, string(status), r.Meta.ContentHash,
					queueID, originDate(r), now,
				); err != nil {
					return err
				}
				stmt.Step()
				if err := stmt.Err(); err != nil {
					return fmt.Errorf("failed to insert tracking row: %w", err)
				}
				if err := stmt.Reset(); err != nil {
					return fmt.Errorf("failed to reset insert statement: %w", err)
				}
				inserted++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpdateTracked records one successful "changed" transfer: status, hash,
// queue id and review time are updated for each record's identity within
// the generation, in one transaction. Returns the number of rows updated.
func (s *Store) UpdateTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status Status) (int, error) {
	name, err := trackingTable(table)
	if err != nil {
		return 0, err
	}
	if err := validColumn(idColumn); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
	UPDATE %[1]s
	SET status = ?, content_hash = ?, queue_id = ?, last_reviewed_at = ?
	WHERE %[2]s = ? AND sync_generation = ?
	`, name, idColumn)

	updated := 0
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		return s.inTransaction(conn, func() error {
			stmt, _, err := conn.Prepare(query)
			if err != nil {
				return fmt.Errorf("failed to prepare update on %s: %w", name, err)
			}
			defer stmt.Close()

			now := timestamp()
			for _, r := range recs {
				if !r.HasIdentity() {
					s.log.Warn().Str("table", table).Msg("skipping record without identity")
					continue
				}
				if err := bindAll(stmt,
					string(status), r.Meta.ContentHash, queueID, now,
					r.Meta.Identity, generation,
				); err != nil {
					return err
				}
				stmt.Step()
				if err := stmt.Err(); err != nil {
					return fmt.Errorf("failed to update tracking row: %w", err)
				}
				if err := stmt.Reset(); err != nil {
					return fmt.Errorf("failed to reset update statement: %w", err)
				}
				updated += int(conn.Changes())
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// MarkDeleted records one successful delete transfer: matching rows are
// flagged deleted within one transaction. Returns the number of rows
// marked.
func (s *Store) MarkDeleted(table string, rows []TrackedRecord, idColumn, generation, queueID string) (int, error) {
	name, err := trackingTable(table)
	if err != nil {
		return 0, err
	}
	if err := validColumn(idColumn); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
	UPDATE %[1]s
	SET deleted = 1, status = ?, queue_id = ?, last_reviewed_at = ?
	WHERE %[2]s = ? AND sync_generation = ?
	`, name, idColumn)

	marked := 0
	err = s.pool.With(s.timeout, func(conn *sqlite3.Conn) error {
		return s.inTransaction(conn, func() error {
			stmt, _, err := conn.Prepare(query)
			if err != nil {
				return fmt.Errorf("failed to prepare delete on %s: %w", name, err)
			}
			defer stmt.Close()

			now := timestamp()
			for _, row := range rows {
				if err := bindAll(stmt,
					string(StatusDeleted), queueID, now,
					row.Identity, generation,
				); err != nil {
					return err
				}
				stmt.Step()
				if err := stmt.Err(); err != nil {
					return fmt.Errorf("failed to mark tracking row deleted: %w", err)
				}
				if err := stmt.Reset(); err != nil {
					return fmt.Errorf("failed to reset delete statement: %w", err)
				}
				marked += int(conn.Changes())
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// inTransaction runs fn inside an explicit transaction. Any error rolls
// back this transaction only; chunks committed by earlier invocations are
// unaffected.
func (s *Store) inTransaction(conn *sqlite3.Conn, fn func() error) error {
	if err := conn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(); err != nil {
		if rbErr := conn.Exec("ROLLBACK"); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := conn.Exec("COMMIT"); err != nil {
		if rbErr := conn.Exec("ROLLBACK"); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// bindAll binds string parameters in order, starting at 1. Empty strings
// for nullable columns bind NULL.
func bindAll(stmt *sqlite3.Stmt, values ...string) error {
	for i, v := range values {
		var err error
		if v == "" {
			err = stmt.BindNull(i + 1)
		} else {
			err = stmt.BindText(i+1, v)
		}
		if err != nil {
			return fmt.Errorf("failed to bind parameter %d: %w", i+1, err)
		}
	}
	return nil
}

// originDate renders the record's business date for storage.
func originDate(r *record.Record) string {
	if r.Meta.RefDate == nil {
		return ""
	}
	return r.Meta.RefDate.Format("2006-01-02")
}

// timestamp renders the tracking write time.
func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// chunkStrings splits ids into slices of at most size elements.
func chunkStrings(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// trackingTable derives the tracking table name for a source table.
// The .dbf suffix is dropped and the name lowercased; anything outside
// [a-z0-9_] is rejected since table names are interpolated into SQL.
func trackingTable(table string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.ToUpper(table), ".DBF"))
	if name == "" {
		return "", fmt.Errorf("store: empty table name")
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return "", fmt.Errorf("store: invalid table name %q", table)
		}
	}
	return name, nil
}

// validColumn guards interpolated identity column names.
func validColumn(col string) error {
	switch col {
	case "natural_id", "recno", "hash_id":
		return nil
	}
	return fmt.Errorf("store: invalid identity column %q", col)
}
