package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/shopspring/decimal"
)

// Op is a filter operator.
type Op string

const (
	OpEq     Op = "eq"
	OpAtMost Op = "lte"
)

// Condition filters on one top-level JSON field.
type Condition struct {
	Field  string
	Op     Op
	Str    string          // OpEq operand
	Num    decimal.Decimal // OpAtMost operand
	OrNull bool            // OpAtMost also matches a null or missing field
}

// Eq matches documents whose string field equals value.
func Eq(field, value string) Condition {
	return Condition{Field: field, Op: OpEq, Str: value}
}

// AtMost matches documents whose numeric field is <= value.
func AtMost(field string, value decimal.Decimal) Condition {
	return Condition{Field: field, Op: OpAtMost, Num: value}
}

// AtMostOrNull is AtMost that also admits documents without the field.
func AtMostOrNull(field string, value decimal.Decimal) Condition {
	return Condition{Field: field, Op: OpAtMost, Num: value, OrNull: true}
}

// Query selects documents in a collection. Results are ordered by creation
// time, newest first, ties broken by id descending.
type Query struct {
	Where  []Condition
	Limit  int // 0 means no limit
	Offset int
}

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate rejects field names that are not plain identifiers. SQL backends
// interpolate them into JSON path expressions.
func (q Query) Validate() error {
	for _, c := range q.Where {
		if !fieldPattern.MatchString(c.Field) {
			return fmt.Errorf("docstore: invalid field name %q", c.Field)
		}
		if c.Op != OpEq && c.Op != OpAtMost {
			return fmt.Errorf("docstore: unsupported operator %q", c.Op)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("docstore: negative limit or offset")
	}
	return nil
}

// Match reports whether a JSON document satisfies every condition. Backends
// without server-side JSON filtering use it.
func Match(data []byte, conds []Condition) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Errorf("docstore: decode document: %w", err)
	}
	for _, c := range conds {
		raw, ok := fields[c.Field]
		isNull := !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		switch c.Op {
		case OpEq:
			if isNull {
				return false, nil
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil || s != c.Str {
				return false, nil
			}
		case OpAtMost:
			if isNull {
				if !c.OrNull {
					return false, nil
				}
				continue
			}
			var v decimal.Decimal
			if err := v.UnmarshalJSON(raw); err != nil {
				return false, nil
			}
			if v.GreaterThan(c.Num) {
				return false, nil
			}
		}
	}
	return true, nil
}

// SortNewestFirst orders documents by creation time then id, both descending.
func SortNewestFirst(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID > docs[j].ID
	})
}

// Page applies offset and limit to an ordered result.
func Page(docs []Document, limit, offset int) []Document {
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
