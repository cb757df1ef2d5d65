// Package query runs the report procedure and exposes its result as a lazy,
// single-pass row sequence.
package query

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"report-stream/internal/db"
	"report-stream/internal/domain"
)

// Pool is the subset of *db.Pool the executor needs.
type Pool interface {
	Acquire(ctx context.Context) (*db.Handle, error)
	Dialect() db.Dialect
}

// Executor starts report queries on pooled connections.
type Executor struct {
	pool         Pool
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewExecutor creates an Executor. A zero queryTimeout disables the deadline.
func NewExecutor(pool Pool, queryTimeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{pool: pool, queryTimeout: queryTimeout, logger: logger.With("component", "executor")}
}

// Run acquires a connection and starts procedure with rowCount as its only
// argument. Rows are pulled from the database one Next at a time; nothing is
// read ahead. The caller must Close the sequence.
func (e *Executor) Run(ctx context.Context, procedure string, rowCount int) (*RowSequence, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.queryTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.queryTimeout)
	}

	h, err := e.pool.Acquire(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	rows, err := h.Conn().QueryContext(h.Context(), e.pool.Dialect().CallSQL(procedure), rowCount)
	if err != nil {
		err = classify(runCtx, h, err)
		settle(h, err)
		h.Release()
		cancel()
		return nil, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		err = classify(runCtx, h, err)
		settle(h, err)
		_ = rows.Close()
		h.Release()
		cancel()
		return nil, err
	}

	s := &RowSequence{
		handle:  h,
		rows:    rows,
		runCtx:  runCtx,
		cancel:  cancel,
		logger:  e.logger,
		start:   start,
		columns: make([]string, len(types)),
		decimal: make([]bool, len(types)),
		dest:    make([]any, len(types)),
		ptrs:    make([]any, len(types)),
	}
	for i, ct := range types {
		s.columns[i] = ct.Name()
		s.decimal[i] = isDecimalType(ct.DatabaseTypeName())
		s.ptrs[i] = &s.dest[i]
	}
	return s, nil
}

// RowSequence is a pull-based cursor over the report rows. It is not safe for
// concurrent use.
type RowSequence struct {
	handle *db.Handle
	rows   *sql.Rows
	runCtx context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	start  time.Time

	columns []string
	decimal []bool
	dest    []any
	ptrs    []any

	row   domain.Row
	count int64
	err   error
	done  bool

	closeOnce sync.Once
}

// Columns returns the result column names in database order.
func (s *RowSequence) Columns() []string { return s.columns }

// Next advances to the next row. It returns false on completion or error;
// Err distinguishes the two.
func (s *RowSequence) Next() bool {
	if s.done {
		return false
	}
	if !s.rows.Next() {
		s.done = true
		err := s.rows.Err()
		if err == nil {
			// database/sql may end a cancelled cursor without an error.
			err = s.handle.Context().Err()
		}
		if err != nil {
			s.fail(err)
		} else {
			s.handle.MarkCompleting()
			s.logger.Debug("report query complete", "rows", s.count, "duration", time.Since(s.start))
		}
		s.Close()
		return false
	}
	if err := s.rows.Scan(s.ptrs...); err != nil {
		s.done = true
		s.fail(err)
		s.Close()
		return false
	}

	row := make(domain.Row, len(s.columns))
	for i, name := range s.columns {
		row[name] = normalize(s.dest[i], s.decimal[i])
	}
	s.row = row
	s.count++
	return true
}

// Row returns the current row. It is valid until the next call to Next.
func (s *RowSequence) Row() domain.Row { return s.row }

// Err returns the classified error that ended the sequence, if any.
func (s *RowSequence) Err() error { return s.err }

// Count returns the number of rows produced so far; after completion it is
// the final row count.
func (s *RowSequence) Count() int64 { return s.count }

// Close stops the sequence. If rows are still pending the query is cancelled
// first. The cursor is closed and the connection released exactly once.
func (s *RowSequence) Close() {
	s.closeOnce.Do(func() {
		if !s.done {
			s.done = true
			if s.handle.Cancel() {
				s.logger.Info("report query cancelled", "rows", s.count)
			}
		}
		if err := s.rows.Close(); err != nil && s.err == nil && s.handle.State() != db.HandleCancelled {
			s.err = classify(s.runCtx, s.handle, err)
		}
		s.handle.Release()
		s.cancel()
	})
}

func (s *RowSequence) fail(err error) {
	s.err = classify(s.runCtx, s.handle, err)
	if domain.IsKind(s.err, domain.KindTransport) {
		if s.handle.Cancel() {
			s.logger.Info("report query cancelled", "rows", s.count, "reason", "client gone")
		}
		return
	}
	s.handle.MarkFailed()
	s.logger.Warn("report query failed", "rows", s.count, "kind", domain.KindOf(s.err).String(), "error", err)
}

// settle moves a handle out of running after err. A caller that went away
// cancels the query; anything else is a failure.
func settle(h *db.Handle, err error) {
	if domain.IsKind(err, domain.KindTransport) {
		h.Cancel()
		return
	}
	h.MarkFailed()
}

// classify prefers the caller's context over the driver error: a cancelled
// request or expired deadline surfaces as such even when the driver reports a
// generic interruption. A handle cancelled while the caller is still live was
// cancelled by a forced pool drain.
func classify(ctx context.Context, h *db.Handle, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return db.Classify(ctxErr)
	}
	if h.Context().Err() != nil {
		return domain.WrapError(domain.KindConnectivity, db.CodePoolDraining, err, "query cancelled by shutdown")
	}
	return db.Classify(err)
}

func isDecimalType(name string) bool {
	switch strings.ToUpper(name) {
	case "NUMERIC", "DECIMAL", "NEWDECIMAL":
		return true
	}
	return false
}

// normalize converts driver representations that spreadsheet cells cannot
// use directly: byte slices become text and textual decimals become numbers.
func normalize(v any, decimal bool) any {
	var text string
	switch x := v.(type) {
	case []byte:
		text = string(x)
	case string:
		text = x
	default:
		return v
	}
	if decimal {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
	}
	return text
}
