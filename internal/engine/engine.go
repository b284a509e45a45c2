// Package engine runs the change-detection and synchronization pipeline
// for one table: tag extracted records with identity and hash, look up
// the previously tracked state, compute the delta, and transfer it in
// batches.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/smartdbf/dbfsync/internal/batch"
	"github.com/smartdbf/dbfsync/internal/compare"
	"github.com/smartdbf/dbfsync/internal/config"
	"github.com/smartdbf/dbfsync/internal/identity"
	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/store"
	"github.com/smartdbf/dbfsync/internal/transfer"
)

// DateRange bounds one extraction in business dates (ISO 8601).
type DateRange struct {
	From string
	To   string
}

// Source produces the normalized records for one table and date range.
// How it reads or decrypts the legacy store is its own business; the
// engine only requires that returned records expose their fields and,
// where the source captures them, physical positions and reference dates.
type Source interface {
	Extract(ctx context.Context, table string, dr DateRange) ([]*record.Record, error)
}

// Engine wires the pipeline components for sync runs.
type Engine struct {
	cfg      *config.Config
	resolver *identity.Resolver
	store    *store.Store
	proc     *batch.Processor
	source   Source
	log      zerolog.Logger
}

// New assembles an Engine from its collaborators.
func New(cfg *config.Config, resolver *identity.Resolver, st *store.Store, proc *batch.Processor, source Source, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		store:    st,
		proc:     proc,
		source:   source,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// RunReport summarizes one sync run for one table.
type RunReport struct {
	Table     string
	Extracted int
	// Skipped counts records whose identity could not be computed;
	// they are excluded from comparison, never fatal.
	Skipped int

	New       int
	Changed   int
	Unchanged int
	Deleted   int

	Batch batch.Report
}

// Run synchronizes one table over one date range.
//
// Configuration errors (unknown table or schema) abort the run for this
// table; everything downstream degrades to partial success reported in
// the returned RunReport. Two concurrent runs against the same table are
// not mutually excluded: the last tracking write wins, and the next run
// converges the store. Callers who need stricter behavior must serialize
// runs per table themselves.
func (e *Engine) Run(ctx context.Context, table string, dr DateRange) (*RunReport, error) {
	strat, err := e.resolver.Resolve(table)
	if err != nil {
		return nil, err
	}
	idColumn := strat.IDColumn()

	e.log.Info().
		Str("table", table).
		Str("schema", strat.Name()).
		Str("from", dr.From).
		Str("to", dr.To).
		Msg("sync run starting")

	extracted, err := e.source.Extract(ctx, table, dr)
	if err != nil {
		return nil, fmt.Errorf("extraction failed for %s: %w", table, err)
	}

	rep := &RunReport{Table: table, Extracted: len(extracted)}

	// Attach identity and content hash once per record. Records the
	// strategy cannot identify are skipped with a warning.
	eligible := make([]*record.Record, 0, len(extracted))
	for _, rec := range extracted {
		identity.Tag(rec, strat)
		if !rec.HasIdentity() {
			rep.Skipped++
			e.log.Warn().Str("table", table).Msg("record lacks identity fields, skipping")
			continue
		}
		if rec.Meta.ContentHash == "" {
			if err := rec.Tag(); err != nil {
				rep.Skipped++
				e.log.Warn().Err(err).Str("table", table).Msg("record cannot be hashed, skipping")
				continue
			}
		}
		eligible = append(eligible, rec)
	}

	if err := e.store.EnsureTable(table, idColumn); err != nil {
		return nil, err
	}

	tracked, err := e.store.Lookup(table, idColumn, eligible, e.cfg.Generation, e.cfg.LookupChunkSize)
	if err != nil {
		return nil, fmt.Errorf("reference lookup failed for %s: %w", table, err)
	}

	// The lookup can only cover identities the extraction contains; rows
	// whose identity vanished from the source have to come from a scan of
	// the generation, or they would never surface as deletions.
	all, err := e.store.TrackedAll(table, idColumn, e.cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("tracked scan failed for %s: %w", table, err)
	}
	for id, row := range all {
		if _, ok := tracked[id]; !ok {
			tracked[id] = row
		}
	}

	ops := compare.Diff(eligible, tracked)
	rep.New, rep.Changed, rep.Unchanged, rep.Deleted = ops.Counts()
	e.log.Info().
		Str("table", table).
		Int("new", rep.New).
		Int("changed", rep.Changed).
		Int("unchanged", rep.Unchanged).
		Int("deleted", rep.Deleted).
		Msg("delta computed")

	rep.Batch = e.proc.Process(ctx, table, ops, transfer.Meta{
		Schema:         strat.Name(),
		IdentityColumn: idColumn,
		Table:          table,
		Generation:     e.cfg.Generation,
	})

	e.log.Info().Str("table", table).Msg("sync run complete")
	return rep, nil
}
