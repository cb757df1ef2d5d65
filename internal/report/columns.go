// Package report defines the fixed report layout and request parameters.
package report

import "report-stream/internal/domain"

// Column describes one spreadsheet column.
type Column struct {
	Header string  // header row text
	Key    string  // database column name in domain.Row
	Width  float64 // column width in characters
	Bool   bool    // integer 0/1 values are written as booleans
}

// Columns is the report layout in output order. It never changes per request.
var Columns = []Column{
	{Header: "ID", Key: "id", Width: 10},
	{Header: "Big Number", Key: "big_number", Width: 22},
	{Header: "Amount", Key: "amount", Width: 14},
	{Header: "Ratio", Key: "ratio", Width: 10},
	{Header: "Active", Key: "is_active", Width: 8, Bool: true},
	{Header: "UUID", Key: "uuid", Width: 38},
	{Header: "Created At", Key: "created_at", Width: 26},
	{Header: "Name", Key: "name", Width: 20},
	{Header: "Description", Key: "description", Width: 50},
	{Header: "Metadata", Key: "metadata", Width: 40},
}

// Headers returns the header texts of cols.
func Headers(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Header
	}
	return out
}

// Serialize returns the values of row in column order. Missing fields become
// nil. Boolean columns accept the integer flags MySQL and SQLite return for
// comparisons; every other value is passed through unchanged.
func Serialize(row domain.Row, cols []Column) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		v := row[c.Key]
		if c.Bool {
			v = asBool(v)
		}
		out[i] = v
	}
	return out
}

func asBool(v any) any {
	switch x := v.(type) {
	case int64:
		return x != 0
	case int32:
		return x != 0
	case int:
		return x != 0
	case uint8:
		return x != 0
	case string:
		switch x {
		case "0":
			return false
		case "1":
			return true
		}
	}
	return v
}
