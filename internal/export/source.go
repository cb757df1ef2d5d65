// Package export serves report exports over HTTP, either streamed row by row
// or encoded into one buffered document.
package export

import (
	"context"

	"report-stream/internal/domain"
	"report-stream/internal/query"
)

// RowSource is a single-pass sequence of report rows. *query.RowSequence
// satisfies it.
type RowSource interface {
	Next() bool
	Row() domain.Row
	Err() error
	Count() int64
	Close()
}

// Source starts report queries.
type Source interface {
	Run(ctx context.Context, procedure string, rowCount int) (RowSource, error)
}

// FromExecutor adapts a query executor to Source.
func FromExecutor(e *query.Executor) Source {
	return executorSource{exec: e}
}

type executorSource struct {
	exec *query.Executor
}

func (s executorSource) Run(ctx context.Context, procedure string, rowCount int) (RowSource, error) {
	seq, err := s.exec.Run(ctx, procedure, rowCount)
	if err != nil {
		return nil, err
	}
	return seq, nil
}
