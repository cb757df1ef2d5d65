package report

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// Row count bounds. MaxRowCount is the sheet row limit of the XLSX format.
const (
	DefaultRowCount = 30000
	MinRowCount     = 1
	MaxRowCount     = 1048576
)

// Params are the parsed export request parameters.
type Params struct {
	RowCount int
}

// ParseParams reads rowCount from the query string. Missing or non-numeric
// values fall back to the default; numeric values are clamped to
// [MinRowCount, MaxRowCount].
func ParseParams(q url.Values) Params {
	return Params{RowCount: parseRowCount(q.Get("rowCount"))}
}

func parseRowCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRowCount
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(raw, "-") {
				return MinRowCount
			}
			return MaxRowCount
		}
		return DefaultRowCount
	}
	switch {
	case n < MinRowCount:
		return MinRowCount
	case n > MaxRowCount:
		return MaxRowCount
	default:
		return int(n)
	}
}
