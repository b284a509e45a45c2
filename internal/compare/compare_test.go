package compare

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/store"
)

func rec(id, hash string) *record.Record {
	return &record.Record{
		Fields: map[string]any{"id": id},
		Meta:   record.Meta{Identity: id, ContentHash: hash},
	}
}

func tracked(pairs ...string) map[string]store.TrackedRecord {
	m := make(map[string]store.TrackedRecord, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		m[pairs[i]] = store.TrackedRecord{Identity: pairs[i], ContentHash: pairs[i+1]}
	}
	return m
}

func ids(recs []*record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Meta.Identity)
	}
	return out
}

func deletedIDs(rows []store.TrackedRecord) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Identity)
	}
	return out
}

func TestDiffNewAndUnchanged(t *testing.T) {
	ops := Diff(
		[]*record.Record{rec("A", "h1"), rec("B", "h2")},
		tracked("A", "h1"),
	)

	if got := ids(ops.New); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("new = %v, want [B]", got)
	}
	if len(ops.Changed) != 0 {
		t.Errorf("changed = %v, want empty", ids(ops.Changed))
	}
	if got := ids(ops.Unchanged); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("unchanged = %v, want [A]", got)
	}
	if len(ops.Deleted) != 0 {
		t.Errorf("deleted = %v, want empty", deletedIDs(ops.Deleted))
	}
}

func TestDiffChangedAndDeleted(t *testing.T) {
	ops := Diff(
		[]*record.Record{rec("A", "h9")},
		tracked("A", "h1", "C", "h3"),
	)

	if len(ops.New) != 0 {
		t.Errorf("new = %v, want empty", ids(ops.New))
	}
	if got := ids(ops.Changed); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("changed = %v, want [A]", got)
	}
	if len(ops.Unchanged) != 0 {
		t.Errorf("unchanged = %v, want empty", ids(ops.Unchanged))
	}
	if got := deletedIDs(ops.Deleted); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("deleted = %v, want [C]", got)
	}
}

func TestDiffEmptyExtraction(t *testing.T) {
	ops := Diff(nil, tracked("A", "h1", "B", "h2"))

	if !reflect.DeepEqual(deletedIDs(ops.Deleted), []string{"A", "B"}) {
		t.Errorf("deleted = %v, want [A B]", deletedIDs(ops.Deleted))
	}
	if len(ops.New)+len(ops.Changed)+len(ops.Unchanged) != 0 {
		t.Error("expected only deleted entries")
	}
}

func TestDiffEmptyTracked(t *testing.T) {
	ops := Diff([]*record.Record{rec("A", "h1"), rec("B", "h2")}, nil)

	if got := ids(ops.New); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("new = %v, want [A B]", got)
	}
	if len(ops.Changed)+len(ops.Unchanged)+len(ops.Deleted) != 0 {
		t.Error("expected only new entries")
	}
}

func TestDiffDuplicateIdentityLastWins(t *testing.T) {
	first := rec("A", "h1")
	second := rec("A", "h2")
	ops := Diff([]*record.Record{first, second}, tracked("A", "h1"))

	// Last occurrence wins: hash h2 differs from tracked h1.
	if got := ids(ops.Changed); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("changed = %v, want [A]", got)
	}
	if ops.Changed[0] != second {
		t.Error("expected the last duplicate to win")
	}
	if len(ops.New)+len(ops.Unchanged)+len(ops.Deleted) != 0 {
		t.Error("duplicate identity leaked into another partition")
	}
}

func TestDiffSkipsRecordsWithoutIdentity(t *testing.T) {
	anonymous := &record.Record{Fields: map[string]any{"x": 1}, Meta: record.Meta{ContentHash: "h"}}
	ops := Diff([]*record.Record{anonymous, rec("A", "h1")}, nil)

	if got := ids(ops.New); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("new = %v, want [A]", got)
	}
}

func TestDiffPartitionInvariant(t *testing.T) {
	// The four partitions are pairwise disjoint by identity and their
	// union equals extracted ∪ tracked identities.
	extracted := []*record.Record{
		rec("A", "h1"), rec("B", "h2"), rec("C", "h3"), rec("B", "h2b"),
	}
	trk := tracked("A", "h1", "C", "hX", "D", "h4", "E", "h5")

	ops := Diff(extracted, trk)

	seen := map[string]string{}
	place := func(partition string, list []string) {
		for _, id := range list {
			if prev, dup := seen[id]; dup {
				t.Errorf("identity %s in both %s and %s", id, prev, partition)
			}
			seen[id] = partition
		}
	}
	place("new", ids(ops.New))
	place("changed", ids(ops.Changed))
	place("unchanged", ids(ops.Unchanged))
	place("deleted", deletedIDs(ops.Deleted))

	want := map[string]bool{"A": true, "B": true, "C": true, "D": true, "E": true}
	if len(seen) != len(want) {
		t.Fatalf("covered %d identities, want %d", len(seen), len(want))
	}
	for id := range want {
		if _, ok := seen[id]; !ok {
			t.Errorf("identity %s not covered by any partition", id)
		}
	}
}

func TestDiffIdempotent(t *testing.T) {
	extracted := []*record.Record{rec("A", "h1"), rec("B", "h2"), rec("C", "h3")}
	trk := tracked("B", "hX", "D", "h4")

	first := Diff(extracted, trk)
	second := Diff(extracted, trk)

	if !reflect.DeepEqual(first, second) {
		t.Error("Diff is not deterministic over identical inputs")
	}
}

func TestDiffTrackedUnchangedNeverElsewhere(t *testing.T) {
	// A record present in tracked with an equal hash must only ever be
	// unchanged, regardless of surrounding records.
	for i := 0; i < 5; i++ {
		extracted := []*record.Record{rec("A", "same")}
		for j := 0; j < i; j++ {
			extracted = append(extracted, rec(fmt.Sprintf("X%d", j), "h"))
		}
		ops := Diff(extracted, tracked("A", "same"))

		if got := ids(ops.Unchanged); len(got) == 0 || got[0] != "A" {
			t.Fatalf("unchanged = %v, want A first", got)
		}
		for _, id := range append(ids(ops.New), ids(ops.Changed)...) {
			if id == "A" {
				t.Fatal("A leaked out of unchanged")
			}
		}
		for _, id := range deletedIDs(ops.Deleted) {
			if id == "A" {
				t.Fatal("A leaked into deleted")
			}
		}
	}
}
