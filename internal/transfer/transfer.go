// Package transfer talks to the remote ingestion API.
//
// One call carries one chunk of records, serialized as newline-delimited
// JSON, for one operation kind. The Sender interface is what the batch
// processor depends on; Client is the HTTP implementation and Simulator
// the debug-mode stand-in.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operation is the kind of transfer a chunk represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Meta is the per-chunk parameter set sent alongside the records.
type Meta struct {
	// Schema is the table's identity schema type.
	Schema string
	// IdentityColumn is the local-store column holding the identity.
	IdentityColumn string
	// Table is the source table name.
	Table string
	// Generation is the active sync generation; sent for create only.
	Generation string
}

// Sender sends one chunk per call and returns the remote response.
//
// A nil response with a nil error never occurs; transport failures are
// returned as errors, remote rejections as non-OK responses.
type Sender interface {
	Send(ctx context.Context, op Operation, payload []map[string]any, meta Meta) (*Response, error)
}

// Response is the remote API's reply to a chunk.
type Response struct {
	Status     string  `json:"status"`
	QueueID    QueueID `json:"queue_id"`
	StatusID   int     `json:"status_id"`
	StatusCode int     `json:"status_code"`
	Msg        string  `json:"msg,omitempty"`
}

// OK reports whether the response carries the recognized success
// indicator. Any other shape is treated as a chunk failure.
func (r *Response) OK() bool {
	return r != nil && r.Status == "ok" && r.StatusCode == 200
}

// QueueID is the remote-assigned correlation id. Some deployments return
// it as a JSON string, others as a number.
type QueueID string

func (q *QueueID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("transfer: empty queue id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("transfer: invalid queue id: %w", err)
		}
		*q = QueueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("transfer: invalid queue id: %w", err)
	}
	*q = QueueID(n.String())
	return nil
}

func (q QueueID) String() string { return string(q) }

// MarshalJSON keeps numeric queue ids numeric on the wire. Only canonical
// decimal values qualify: forms like "007" or "+5" parse as integers but
// are not valid JSON numbers, so they stay strings.
func (q QueueID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(q), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(q) {
		return []byte(q), nil
	}
	return json.Marshal(string(q))
}
