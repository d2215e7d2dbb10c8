package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between Postgres and SQLite.
type Dialect struct {
	Name       string
	DriverName string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// jsonText extracts a top-level field of the data column as text.
	jsonText func(field string) string
	// numeric casts a text expression or parameter to a comparable number.
	numeric func(expr string) string
	// offsetOnly is the LIMIT clause needed before a bare OFFSET.
	offsetOnly string
}

var Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	jsonText:    func(field string) string { return "(data::jsonb ->> '" + field + "')" },
	numeric:     func(expr string) string { return expr + "::numeric" },
}

var SQLite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite",
	placeholder: func(int) string { return "?" },
	jsonText:    func(field string) string { return "json_extract(data, '$." + field + "')" },
	numeric:     func(expr string) string { return "CAST(" + expr + " AS REAL)" },
	offsetOnly:  "LIMIT -1",
}

// binder numbers bind parameters as a statement is assembled.
type binder struct {
	d    Dialect
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (d Dialect) rebind(query string) string {
	if d.Name != Postgres.Name {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(d.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
