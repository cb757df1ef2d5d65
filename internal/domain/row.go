package domain

// Row is one record produced by the report query, keyed by database column
// name. Values keep the driver's native Go types.
type Row map[string]any
