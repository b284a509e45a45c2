// Package source provides record sources for the sync engine.
//
// The production extractor for the legacy store lives outside this
// repository; what ships here is the NDJSON directory source, which reads
// the extracts that tooling drops on disk: one <table>.ndjson file per
// table, one JSON record per line.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartdbf/dbfsync/internal/engine"
	"github.com/smartdbf/dbfsync/internal/record"
)

// metaKey is the reserved key legacy extracts use for read-time metadata.
const metaKey = "__meta"

// fileMeta is the metadata block inside an extract line.
type fileMeta struct {
	Recno *int64 `json:"recno"`
	Date  string `json:"date"`
}

// NDJSON reads table extracts from a directory of .ndjson files.
type NDJSON struct {
	dir string
	log zerolog.Logger
}

// NewNDJSON returns a source over the given extract directory.
func NewNDJSON(dir string, log zerolog.Logger) *NDJSON {
	return &NDJSON{dir: dir, log: log.With().Str("component", "source").Logger()}
}

// Extract implements engine.Source. The table's extract file is read line
// by line; the reserved __meta key is hoisted into the record's typed
// metadata, and records outside the date range (when they carry a date)
// are dropped. Malformed lines fail the extraction: a partial read would
// misclassify every absent record as deleted.
func (n *NDJSON) Extract(ctx context.Context, table string, dr engine.DateRange) ([]*record.Record, error) {
	path := filepath.Join(n.dir, extractFileName(table))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open extract %s: %w", path, err)
	}
	defer f.Close()

	from, to, err := parseRange(dr)
	if err != nil {
		return nil, err
	}

	var records []*record.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		rec, err := decodeLine([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid extract line %d in %s: %w", line, path, err)
		}
		if !inRange(rec.Meta.RefDate, from, to) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read extract %s: %w", path, err)
	}

	n.log.Info().Str("table", table).Int("records", len(records)).Msg("extract loaded")
	return records, nil
}

// decodeLine parses one extract line into a Record.
func decodeLine(raw []byte) (*record.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	rec := &record.Record{Fields: fields}

	metaRaw, ok := fields[metaKey]
	if !ok {
		return rec, nil
	}
	delete(fields, metaKey)

	// Round-trip through JSON to get the typed block.
	buf, err := json.Marshal(metaRaw)
	if err != nil {
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		return nil, fmt.Errorf("invalid %s block: %w", metaKey, err)
	}

	if meta.Recno != nil {
		rec.Meta.Position = *meta.Recno
		rec.Meta.HasPosition = true
	}
	if meta.Date != "" {
		t, err := time.Parse("2006-01-02", meta.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid %s date %q: %w", metaKey, meta.Date, err)
		}
		rec.Meta.RefDate = &t
	}
	return rec, nil
}

func extractFileName(table string) string {
	name := strings.ToLower(strings.TrimSuffix(strings.ToUpper(table), ".DBF"))
	return name + ".ndjson"
}

func parseRange(dr engine.DateRange) (from, to *time.Time, err error) {
	if dr.From != "" {
		t, err := time.Parse("2006-01-02", dr.From)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid from date %q: %w", dr.From, err)
		}
		from = &t
	}
	if dr.To != "" {
		t, err := time.Parse("2006-01-02", dr.To)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid to date %q: %w", dr.To, err)
		}
		to = &t
	}
	return from, to, nil
}

// inRange applies the date filter. Records without a reference date pass:
// only dated records can be range-filtered.
func inRange(ref, from, to *time.Time) bool {
	if ref == nil {
		return true
	}
	if from != nil && ref.Before(*from) {
		return false
	}
	if to != nil && ref.After(*to) {
		return false
	}
	return true
}
