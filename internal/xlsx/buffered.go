package xlsx

import (
	"bytes"
	"fmt"

	"report-stream/internal/report"
)

// EncodeBuffered builds a complete document in memory from rows, which are
// already in column order. It shares the StreamWriter encoding, so both export
// paths render identical cells and accept the same row counts.
func EncodeBuffered(cols []report.Column, rows [][]any) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	w := NewStreamWriter(buf)
	if err := w.Open(cols); err != nil {
		return nil, fmt.Errorf("write header row: %w", err)
	}
	for i, row := range rows {
		if err := w.AppendRow(row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := w.Finalize(); err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf, nil
}
