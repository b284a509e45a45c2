// Package batch turns one comparator OperationSet into remote transfers.
//
// Each actionable partition (new, changed, deleted) is split into
// fixed-size chunks; each chunk is sent in one transfer call, and on a
// recognized success the outcome is recorded in the local store. A failed
// chunk is logged and its tracking skipped: the affected records keep
// their prior store state, so the next sync run re-classifies and retries
// them naturally. Unchanged records trigger no action.
package batch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/smartdbf/dbfsync/internal/compare"
	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/store"
	"github.com/smartdbf/dbfsync/internal/transfer"
)

// DefaultChunkSize is the number of records per transfer call.
const DefaultChunkSize = 100

// Tracker is the slice of the local store the processor writes through.
// Satisfied by *store.Store.
type Tracker interface {
	InsertTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status store.Status) (int, error)
	UpdateTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status store.Status) (int, error)
	MarkDeleted(table string, rows []store.TrackedRecord, idColumn, generation, queueID string) (int, error)
}

// Processor sends partitions in chunks and tracks successful transfers.
type Processor struct {
	sender    transfer.Sender
	tracker   Tracker
	chunkSize int
	tracking  bool
	log       zerolog.Logger
}

// New returns a Processor. chunkSize <= 0 selects DefaultChunkSize.
// When tracking is false, transfer outcomes are not written to the store.
func New(sender transfer.Sender, tracker Tracker, chunkSize int, tracking bool, log zerolog.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Processor{
		sender:    sender,
		tracker:   tracker,
		chunkSize: chunkSize,
		tracking:  tracking && tracker != nil,
		log:       log.With().Str("component", "batch").Logger(),
	}
}

// PartitionReport is the outcome of one partition's chunked transfer.
type PartitionReport struct {
	Records          int
	TotalChunks      int
	SuccessfulChunks int
	TrackedRows      int
}

// Report is the outcome of one OperationSet.
type Report struct {
	New       PartitionReport
	Changed   PartitionReport
	Deleted   PartitionReport
	Unchanged int
}

// Process transfers the three actionable partitions of ops for a table.
//
// meta carries the table's schema type, identity column and the active
// generation (the generation is only transmitted for new records, but it
// scopes every tracking write).
func (p *Processor) Process(ctx context.Context, table string, ops compare.OperationSet, meta transfer.Meta) Report {
	var rep Report

	if len(ops.New) > 0 {
		rep.New = p.processRecords(ctx, table, ops.New, transfer.OpCreate, meta)
	}
	if len(ops.Changed) > 0 {
		rep.Changed = p.processRecords(ctx, table, ops.Changed, transfer.OpUpdate, meta)
	}
	if len(ops.Deleted) > 0 {
		rep.Deleted = p.processDeleted(ctx, table, ops.Deleted, meta)
	}
	rep.Unchanged = len(ops.Unchanged)
	if rep.Unchanged > 0 {
		p.log.Info().Str("table", table).Int("count", rep.Unchanged).Msg("unchanged records, no action needed")
	}

	return rep
}

// processRecords sends extracted records (new or changed) in chunks.
func (p *Processor) processRecords(ctx context.Context, table string, recs []*record.Record, op transfer.Operation, meta transfer.Meta) PartitionReport {
	rep := PartitionReport{Records: len(recs)}

	chunks := chunkRecords(recs, p.chunkSize)
	rep.TotalChunks = len(chunks)
	p.log.Info().
		Str("table", table).
		Str("operation", string(op)).
		Int("records", len(recs)).
		Int("chunks", len(chunks)).
		Msg("processing partition")

	for i, chunk := range chunks {
		resp, err := p.sender.Send(ctx, op, recordPayload(chunk, meta.IdentityColumn), meta)
		if err != nil || !resp.OK() {
			p.logChunkFailure(table, op, i+1, len(chunks), resp, err)
			continue
		}
		rep.SuccessfulChunks++

		if !p.tracking {
			continue
		}
		n, err := p.trackRecords(table, chunk, op, meta, resp)
		if err != nil {
			// The transaction rolled back; the chunk was still
			// delivered, so the next run reconciles it.
			p.log.Error().Err(err).
				Str("table", table).
				Int("chunk", i+1).
				Msg("tracking write failed")
			continue
		}
		rep.TrackedRows += n
	}

	p.log.Info().
		Str("table", table).
		Str("operation", string(op)).
		Int("successful", rep.SuccessfulChunks).
		Int("total", rep.TotalChunks).
		Msg("partition complete")
	return rep
}

// processDeleted sends tracked-row projections for delete in chunks.
func (p *Processor) processDeleted(ctx context.Context, table string, rows []store.TrackedRecord, meta transfer.Meta) PartitionReport {
	rep := PartitionReport{Records: len(rows)}

	chunks := chunkTracked(rows, p.chunkSize)
	rep.TotalChunks = len(chunks)
	p.log.Info().
		Str("table", table).
		Str("operation", string(transfer.OpDelete)).
		Int("records", len(rows)).
		Int("chunks", len(chunks)).
		Msg("processing partition")

	for i, chunk := range chunks {
		resp, err := p.sender.Send(ctx, transfer.OpDelete, trackedPayload(chunk, meta.IdentityColumn), meta)
		if err != nil || !resp.OK() {
			p.logChunkFailure(table, transfer.OpDelete, i+1, len(chunks), resp, err)
			continue
		}
		rep.SuccessfulChunks++

		if !p.tracking {
			continue
		}
		n, err := p.tracker.MarkDeleted(table, chunk, meta.IdentityColumn, meta.Generation, resp.QueueID.String())
		if err != nil {
			p.log.Error().Err(err).
				Str("table", table).
				Int("chunk", i+1).
				Msg("tracking write failed")
			continue
		}
		rep.TrackedRows += n
	}

	p.log.Info().
		Str("table", table).
		Str("operation", string(transfer.OpDelete)).
		Int("successful", rep.SuccessfulChunks).
		Int("total", rep.TotalChunks).
		Msg("partition complete")
	return rep
}

// trackRecords applies the tracking state machine for a successful chunk:
// new records enter queued, changed records move to updated.
func (p *Processor) trackRecords(table string, chunk []*record.Record, op transfer.Operation, meta transfer.Meta, resp *transfer.Response) (int, error) {
	queueID := resp.QueueID.String()
	switch op {
	case transfer.OpCreate:
		return p.tracker.InsertTracked(table, chunk, meta.IdentityColumn, meta.Generation, queueID, store.StatusQueued)
	default:
		return p.tracker.UpdateTracked(table, chunk, meta.IdentityColumn, meta.Generation, queueID, store.StatusUpdated)
	}
}

func (p *Processor) logChunkFailure(table string, op transfer.Operation, chunk, total int, resp *transfer.Response, err error) {
	ev := p.log.Warn().
		Str("table", table).
		Str("operation", string(op)).
		Int("chunk", chunk).
		Int("total", total)
	switch {
	case err != nil:
		ev = ev.Err(err)
	case resp != nil:
		ev = ev.Int("status_code", resp.StatusCode).Str("msg", resp.Msg)
	default:
		ev = ev.Str("msg", "no response")
	}
	ev.Msg("chunk failed, tracking skipped")
}

// recordPayload serializes extracted records for the wire: business
// fields plus the identity under its column name.
func recordPayload(recs []*record.Record, idColumn string) []map[string]any {
	payload := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		m := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			m[k] = v
		}
		m[idColumn] = r.Meta.Identity
		payload = append(payload, m)
	}
	return payload
}

// trackedPayload serializes deleted-row projections: the identity plus
// what the remote needs to correlate the original send.
func trackedPayload(rows []store.TrackedRecord, idColumn string) []map[string]any {
	payload := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		m := map[string]any{
			idColumn:       row.Identity,
			"content_hash": row.ContentHash,
		}
		if row.QueueID != "" {
			m["queue_id"] = row.QueueID
		}
		if row.OriginDate != "" {
			m["origin_date"] = row.OriginDate
		}
		payload = append(payload, m)
	}
	return payload
}

func chunkRecords(recs []*record.Record, size int) [][]*record.Record {
	var chunks [][]*record.Record
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		chunks = append(chunks, recs[start:end])
	}
	return chunks
}

func chunkTracked(rows []store.TrackedRecord, size int) [][]store.TrackedRecord {
	var chunks [][]store.TrackedRecord
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
