// Package record defines the normalized record type produced by extraction
// and consumed by the rest of the sync pipeline.
//
// A Record carries the table's business fields plus a typed Meta block:
// the resolved identity, the content hash used for change detection, and
// the optional physical position and reference date captured at read time.
// Meta is attached once, during extraction, and never recomputed.
package record

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one normalized row extracted from the legacy store.
type Record struct {
	// Fields maps field name to scalar value as read from the source.
	Fields map[string]any

	// Meta holds identity-support metadata attached during extraction.
	Meta Meta
}

// Meta is the identity-support block attached to every extracted record.
type Meta struct {
	// Identity is the stable correlation value computed by the table's
	// identity strategy. Empty means no identity could be computed and
	// the record is ineligible for comparison.
	Identity string

	// IDColumn is the local-store column name that holds the identity.
	IDColumn string

	// Position is the record's physical position in the source at read
	// time. Only meaningful when HasPosition is true.
	Position    int64
	HasPosition bool

	// ContentHash is the hash over the business fields used for change
	// detection.
	ContentHash string

	// RefDate is the record's business date, when the source exposes one.
	RefDate *time.Time
}

// HasIdentity reports whether an identity was attached to the record.
func (r *Record) HasIdentity() bool {
	return r.Meta.Identity != ""
}

// Field returns the named business field, or nil if absent.
func (r *Record) Field(name string) any {
	return r.Fields[name]
}

// Hash computes the content hash for a set of business fields.
//
// The hash is the lowercase hex MD5 of the fields serialized as JSON with
// sorted keys, so two records with equal field values hash identically
// regardless of field insertion order.
func Hash(fields map[string]any) (string, error) {
	// json.Marshal sorts map keys, which is what makes this canonical.
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to serialize record for hashing: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Tag computes and attaches the content hash to the record.
func (r *Record) Tag() error {
	h, err := Hash(r.Fields)
	if err != nil {
		return err
	}
	r.Meta.ContentHash = h
	return nil
}
