package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/smartdbf/dbfsync/internal/compare"
	"github.com/smartdbf/dbfsync/internal/record"
	"github.com/smartdbf/dbfsync/internal/store"
	"github.com/smartdbf/dbfsync/internal/transfer"
)

var testMeta = transfer.Meta{
	Schema:         "natural_key",
	IdentityColumn: "natural_id",
	Table:          "VENTA",
	Generation:     "v1",
}

// sentChunk captures one Send call.
type sentChunk struct {
	op      transfer.Operation
	payload []map[string]any
}

// fakeSender records every chunk and fails the calls whose 1-based index
// is in failAt.
type fakeSender struct {
	sent   []sentChunk
	failAt map[int]bool
	err    error
}

func (f *fakeSender) Send(ctx context.Context, op transfer.Operation, payload []map[string]any, meta transfer.Meta) (*transfer.Response, error) {
	f.sent = append(f.sent, sentChunk{op: op, payload: payload})
	if f.failAt[len(f.sent)] {
		if f.err != nil {
			return nil, f.err
		}
		return &transfer.Response{Status: "error", Msg: "rejected", StatusCode: 500}, nil
	}
	return &transfer.Response{Status: "ok", QueueID: "77001", StatusID: 1, StatusCode: 200}, nil
}

// fakeTracker counts tracking writes per kind.
type fakeTracker struct {
	inserted []string
	updated  []string
	deleted  []string
	queueIDs []string
	err      error
}

func recIdentities(recs []*record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Meta.Identity)
	}
	return out
}

func (f *fakeTracker) InsertTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status store.Status) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.inserted = append(f.inserted, recIdentities(recs)...)
	f.queueIDs = append(f.queueIDs, queueID)
	return len(recs), nil
}

func (f *fakeTracker) UpdateTracked(table string, recs []*record.Record, idColumn, generation, queueID string, status store.Status) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.updated = append(f.updated, recIdentities(recs)...)
	f.queueIDs = append(f.queueIDs, queueID)
	return len(recs), nil
}

func (f *fakeTracker) MarkDeleted(table string, rows []store.TrackedRecord, idColumn, generation, queueID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, row := range rows {
		f.deleted = append(f.deleted, row.Identity)
	}
	f.queueIDs = append(f.queueIDs, queueID)
	return len(rows), nil
}

func makeRecords(n int) []*record.Record {
	recs := make([]*record.Record, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("R%03d", i)
		recs = append(recs, &record.Record{
			Fields: map[string]any{"folio": id},
			Meta:   record.Meta{Identity: id, IDColumn: "natural_id", ContentHash: "h"},
		})
	}
	return recs
}

func TestProcessChunksBySize(t *testing.T) {
	sender := &fakeSender{}
	tracker := &fakeTracker{}
	p := New(sender, tracker, 100, true, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(250)}, testMeta)

	if len(sender.sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sender.sent))
	}
	sizes := []int{len(sender.sent[0].payload), len(sender.sent[1].payload), len(sender.sent[2].payload)}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("chunk sizes = %v, want [100 100 50]", sizes)
	}
	if rep.New.TotalChunks != 3 || rep.New.SuccessfulChunks != 3 {
		t.Errorf("report = %+v, want 3/3 chunks", rep.New)
	}
	if rep.New.Records != 250 || rep.New.TrackedRows != 250 {
		t.Errorf("report = %+v, want 250 records tracked", rep.New)
	}
	if len(tracker.inserted) != 250 {
		t.Errorf("tracked %d inserts, want 250", len(tracker.inserted))
	}
}

func TestProcessFailedChunkDoesNotStopOthers(t *testing.T) {
	sender := &fakeSender{failAt: map[int]bool{2: true}}
	tracker := &fakeTracker{}
	p := New(sender, tracker, 100, true, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(250)}, testMeta)

	if len(sender.sent) != 3 {
		t.Fatalf("sent %d chunks, want all 3 attempted", len(sender.sent))
	}
	if rep.New.SuccessfulChunks != 2 || rep.New.TotalChunks != 3 {
		t.Errorf("report = %+v, want 2 of 3 successful", rep.New)
	}
	// The failed chunk's 100 records were not tracked.
	if len(tracker.inserted) != 150 {
		t.Errorf("tracked %d inserts, want 150", len(tracker.inserted))
	}
}

func TestProcessTransportErrorTreatedAsFailure(t *testing.T) {
	sender := &fakeSender{failAt: map[int]bool{1: true}, err: errors.New("connection refused")}
	tracker := &fakeTracker{}
	p := New(sender, tracker, 100, true, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(10)}, testMeta)

	if rep.New.SuccessfulChunks != 0 {
		t.Errorf("successful = %d, want 0", rep.New.SuccessfulChunks)
	}
	if len(tracker.inserted) != 0 {
		t.Error("tracking written despite a transport failure")
	}
}

func TestProcessRoutesPartitionsToOperations(t *testing.T) {
	sender := &fakeSender{}
	tracker := &fakeTracker{}
	p := New(sender, tracker, 100, true, zerolog.Nop())

	ops := compare.OperationSet{
		New:       makeRecords(2),
		Changed:   []*record.Record{{Fields: map[string]any{}, Meta: record.Meta{Identity: "C1", ContentHash: "h2"}}},
		Unchanged: makeRecords(4),
		Deleted:   []store.TrackedRecord{{Identity: "D1", ContentHash: "h3", QueueID: "q-old"}},
	}
	rep := p.Process(context.Background(), "VENTA", ops, testMeta)

	wantOps := []transfer.Operation{transfer.OpCreate, transfer.OpUpdate, transfer.OpDelete}
	if len(sender.sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sender.sent))
	}
	for i, want := range wantOps {
		if sender.sent[i].op != want {
			t.Errorf("chunk %d operation = %s, want %s", i, sender.sent[i].op, want)
		}
	}

	if len(tracker.inserted) != 2 || len(tracker.updated) != 1 || len(tracker.deleted) != 1 {
		t.Errorf("tracking = insert %v update %v delete %v", tracker.inserted, tracker.updated, tracker.deleted)
	}
	if rep.Unchanged != 4 {
		t.Errorf("unchanged = %d, want 4", rep.Unchanged)
	}
}

func TestProcessUnchangedOnlyIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, &fakeTracker{}, 100, true, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{Unchanged: makeRecords(5)}, testMeta)

	if len(sender.sent) != 0 {
		t.Errorf("sent %d chunks for unchanged records, want 0", len(sender.sent))
	}
	if rep.Unchanged != 5 {
		t.Errorf("unchanged = %d, want 5", rep.Unchanged)
	}
}

func TestProcessTrackingDisabled(t *testing.T) {
	sender := &fakeSender{}
	tracker := &fakeTracker{}
	p := New(sender, tracker, 100, false, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(3)}, testMeta)

	if rep.New.SuccessfulChunks != 1 {
		t.Fatalf("report = %+v, want a successful chunk", rep.New)
	}
	if len(tracker.inserted) != 0 || rep.New.TrackedRows != 0 {
		t.Error("tracking written with tracking disabled")
	}
}

func TestProcessTrackingFailureDoesNotFailChunk(t *testing.T) {
	sender := &fakeSender{}
	tracker := &fakeTracker{err: errors.New("database is locked")}
	p := New(sender, tracker, 100, true, zerolog.Nop())

	rep := p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(3)}, testMeta)

	// The chunk was delivered; only its tracking write is lost.
	if rep.New.SuccessfulChunks != 1 {
		t.Errorf("successful = %d, want 1", rep.New.SuccessfulChunks)
	}
	if rep.New.TrackedRows != 0 {
		t.Errorf("tracked rows = %d, want 0", rep.New.TrackedRows)
	}
}

func TestProcessPayloadCarriesIdentityColumn(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, &fakeTracker{}, 100, false, zerolog.Nop())

	recs := []*record.Record{{
		Fields: map[string]any{"folio": "F-1", "amount": 10.5},
		Meta:   record.Meta{Identity: "F-1", ContentHash: "h"},
	}}
	p.Process(context.Background(), "VENTA", compare.OperationSet{New: recs}, testMeta)

	if len(sender.sent) != 1 || len(sender.sent[0].payload) != 1 {
		t.Fatalf("sent = %+v, want one record", sender.sent)
	}
	got := sender.sent[0].payload[0]
	if got["natural_id"] != "F-1" {
		t.Errorf("payload identity = %v, want F-1 under natural_id", got["natural_id"])
	}
	if got["amount"] != 10.5 {
		t.Errorf("payload lost business fields: %v", got)
	}
}

func TestProcessDeletePayload(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, &fakeTracker{}, 100, false, zerolog.Nop())

	rows := []store.TrackedRecord{
		{Identity: "D1", ContentHash: "h3", QueueID: "q-9", OriginDate: "2025-03-14"},
		{Identity: "D2", ContentHash: "h4"},
	}
	p.Process(context.Background(), "VENTA", compare.OperationSet{Deleted: rows}, testMeta)

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(sender.sent))
	}
	first := sender.sent[0].payload[0]
	if first["natural_id"] != "D1" || first["content_hash"] != "h3" || first["queue_id"] != "q-9" || first["origin_date"] != "2025-03-14" {
		t.Errorf("delete payload = %v", first)
	}
	second := sender.sent[0].payload[1]
	if _, ok := second["queue_id"]; ok {
		t.Error("empty queue id should be omitted from the delete payload")
	}
}

func TestNewDefaultsChunkSize(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, nil, 0, true, zerolog.Nop())

	p.Process(context.Background(), "VENTA", compare.OperationSet{New: makeRecords(DefaultChunkSize + 1)}, testMeta)

	if len(sender.sent) != 2 {
		t.Errorf("sent %d chunks, want 2 with the default chunk size", len(sender.sent))
	}
}
