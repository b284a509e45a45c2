// Package identity resolves the stable identity of extracted records.
//
// Each synchronized table is configured with one of three identity schemas:
//
//   - natural_key: one or more business fields form the key
//   - physical_position: the record's position in the source is the key
//   - composed_hash: an MD5 over a configured field list is the key
//
// The Resolver is the only place a Strategy is instantiated from
// configuration. Identity computation is pure: the same record always
// yields the same identity, independent of call order.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/smartdbf/dbfsync/internal/config"
	"github.com/smartdbf/dbfsync/internal/record"
)

// Schema type names as they appear in the table identity document.
const (
	SchemaNaturalKey       = "natural_key"
	SchemaPhysicalPosition = "physical_position"
	SchemaComposedHash     = "composed_hash"
)

// Strategy computes identities for one table.
//
// Identity returns the computed identity value and whether one could be
// computed. A false result means the record lacks the fields the strategy
// needs; callers must treat such records as ineligible for comparison,
// never as an error.
type Strategy interface {
	Identity(rec *record.Record) (string, bool)
	Name() string
	IDColumn() string
}

// Resolver maps table names to identity strategies.
type Resolver struct {
	cfg *config.Config
}

// NewResolver returns a Resolver over the given configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the strategy configured for a table.
//
// It fails with a configuration error if the table is unknown or the
// configured schema type is unrecognized.
func (r *Resolver) Resolve(table string) (Strategy, error) {
	tc, err := r.cfg.Table(table)
	if err != nil {
		return nil, err
	}

	switch tc.Schema {
	case SchemaNaturalKey:
		if len(tc.IDFields) == 0 {
			return nil, &config.Error{
				Key:    "tables." + tc.Name + ".id_fields",
				Reason: "natural_key requires at least one key field",
			}
		}
		return &NaturalKey{KeyFields: tc.IDFields}, nil

	case SchemaPhysicalPosition:
		return &PhysicalPosition{}, nil

	case SchemaComposedHash:
		if len(tc.HashFields) == 0 {
			return nil, &config.Error{
				Key:    "tables." + tc.Name + ".hash_fields",
				Reason: "composed_hash requires at least one hash field",
			}
		}
		return &ComposedHash{HashFields: tc.HashFields}, nil

	default:
		return nil, &config.Error{
			Key:    "tables." + tc.Name + ".schema",
			Reason: fmt.Sprintf("unknown identity schema %q", tc.Schema),
		}
	}
}

// Tag computes and attaches identity metadata to a record using the given
// strategy. Records without a computable identity are left untagged.
func Tag(rec *record.Record, s Strategy) {
	rec.Meta.IDColumn = s.IDColumn()
	if id, ok := s.Identity(rec); ok {
		rec.Meta.Identity = id
	}
}

// NaturalKey identifies records by one or more business fields.
//
// With a single key field the identity is that field's stringified value.
// With multiple fields it is the "_"-joined string of their values in
// configured order. Absent fields contribute an empty string; a record
// where every key field is absent has no identity.
type NaturalKey struct {
	KeyFields []string
}

func (n *NaturalKey) Identity(rec *record.Record) (string, bool) {
	if len(n.KeyFields) == 1 {
		v, ok := rec.Fields[n.KeyFields[0]]
		if !ok || v == nil {
			return "", false
		}
		return stringify(v), true
	}

	parts := make([]string, 0, len(n.KeyFields))
	present := false
	for _, field := range n.KeyFields {
		v, ok := rec.Fields[field]
		if !ok || v == nil {
			parts = append(parts, "")
			continue
		}
		present = true
		parts = append(parts, stringify(v))
	}
	if !present {
		return "", false
	}
	return strings.Join(parts, "_"), true
}

func (n *NaturalKey) Name() string     { return SchemaNaturalKey }
func (n *NaturalKey) IDColumn() string { return "natural_id" }

// PhysicalPosition identifies records by their position in the source at
// read time.
//
// Only valid for sources without a stable logical key and without physical
// compaction: positions must be stable between the previous and current
// extraction, which this strategy cannot verify.
type PhysicalPosition struct{}

func (p *PhysicalPosition) Identity(rec *record.Record) (string, bool) {
	if !rec.Meta.HasPosition {
		return "", false
	}
	return strconv.FormatInt(rec.Meta.Position, 10), true
}

func (p *PhysicalPosition) Name() string     { return SchemaPhysicalPosition }
func (p *PhysicalPosition) IDColumn() string { return "recno" }

// ComposedHash identifies records by an MD5 over a configured ordered list
// of fields.
//
// The identity is the lowercase hex MD5 of the "|"-joined,
// whitespace-trimmed, string-coerced field values. Missing fields
// contribute an empty string. Two records with identical values for all
// hash fields are indistinguishable; that is the accepted tradeoff for
// tables lacking any key.
type ComposedHash struct {
	HashFields []string
}

func (c *ComposedHash) Identity(rec *record.Record) (string, bool) {
	parts := make([]string, 0, len(c.HashFields))
	for _, field := range c.HashFields {
		v, ok := rec.Fields[field]
		if !ok || v == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, strings.TrimSpace(stringify(v)))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), true
}

func (c *ComposedHash) Name() string     { return SchemaComposedHash }
func (c *ComposedHash) IDColumn() string { return "hash_id" }

// stringify renders a scalar field value the way the comparison columns
// store it. Floats that carry integral values render without a decimal
// point so numeric sources agree across extraction runs.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
