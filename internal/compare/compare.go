// Package compare partitions freshly extracted records against the
// previously tracked state.
//
// Diff is a pure function: given the same inputs it always produces the
// same OperationSet, in the same order. The four partitions are disjoint
// by identity and together cover every extracted identity plus every
// tracked identity absent from the extraction.
package compare

import (
	"sort"

	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/store"
)

// OperationSet is the result of one comparator run.
//
// New, Changed and Unchanged hold extracted records in first-seen
// extraction order. Deleted holds projections of tracked rows whose
// identity no longer appears in the extraction, sorted by identity; the
// records themselves are absent from the source.
type OperationSet struct {
	New       []*record.Record
	Changed   []*record.Record
	Unchanged []*record.Record
	Deleted   []store.TrackedRecord
}

// Counts returns the partition sizes as (new, changed, unchanged, deleted).
func (o *OperationSet) Counts() (int, int, int, int) {
	return len(o.New), len(o.Changed), len(o.Unchanged), len(o.Deleted)
}

// Empty reports whether no partition holds any entry.
func (o *OperationSet) Empty() bool {
	return len(o.New) == 0 && len(o.Changed) == 0 && len(o.Unchanged) == 0 && len(o.Deleted) == 0
}

// Diff partitions extracted records into new, changed and unchanged
// against the tracked rows, and collects tracked identities absent from
// the extraction as deleted.
//
// extracted must already carry identities and content hashes. Records
// without an identity are ignored; callers are expected to have skipped
// and reported them during tagging. tracked must already be filtered to
// the active generation and non-deleted rows.
//
// Duplicate identities within one extraction are a data-source anomaly,
// not an error: the last occurrence wins.
func Diff(extracted []*record.Record, tracked map[string]store.TrackedRecord) OperationSet {
	// Fold the extraction into a map, keeping first-seen order and
	// last-write-wins values.
	order := make([]string, 0, len(extracted))
	byIdentity := make(map[string]*record.Record, len(extracted))
	for _, r := range extracted {
		if !r.HasIdentity() {
			continue
		}
		id := r.Meta.Identity
		if _, seen := byIdentity[id]; !seen {
			order = append(order, id)
		}
		byIdentity[id] = r
	}

	var ops OperationSet
	for _, id := range order {
		r := byIdentity[id]
		row, ok := tracked[id]
		switch {
		case !ok:
			ops.New = append(ops.New, r)
		case row.ContentHash != r.Meta.ContentHash:
			// Exact string comparison; no fuzzy matching.
			ops.Changed = append(ops.Changed, r)
		default:
			ops.Unchanged = append(ops.Unchanged, r)
		}
	}

	deletedIDs := make([]string, 0)
	for id := range tracked {
		if _, ok := byIdentity[id]; !ok {
			deletedIDs = append(deletedIDs, id)
		}
	}
	sort.Strings(deletedIDs)
	for _, id := range deletedIDs {
		ops.Deleted = append(ops.Deleted, tracked[id])
	}

	return ops
}
