package export

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"report-stream/internal/api"
	"report-stream/internal/domain"
	"report-stream/internal/metrics"
	"report-stream/internal/middleware"
	"report-stream/internal/report"
	"report-stream/internal/xlsx"
)

// ContentType is the media type of XLSX documents.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Export outcomes recorded in metrics.
const (
	outcomeCompleted    = "completed"
	outcomeFailed       = "failed"
	outcomeAborted      = "aborted"
	outcomeDisconnected = "disconnected"
)

// Handler serves the streaming and buffered export endpoints.
type Handler struct {
	source    Source
	procedure string
	pageSize  int
	columns   []report.Column
	logger    *slog.Logger
	metrics   *metrics.Export
	now       func() time.Time
}

// NewHandler creates a Handler that runs procedure through source. m may be
// nil.
func NewHandler(source Source, procedure string, pageSize int, logger *slog.Logger, m *metrics.Export) *Handler {
	return &Handler{
		source:    source,
		procedure: procedure,
		pageSize:  pageSize,
		columns:   report.Columns,
		logger:    logger.With("component", "export"),
		metrics:   m,
		now:       time.Now,
	}
}

// Stream writes the report as it is read from the database. Headers and the
// 200 status are only committed once the first row (or an empty result) has
// arrived, so failures up to that point are answered with a JSON error. A
// database failure after that point aborts the connection, leaving the client
// with a truncated download.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := middleware.LoggerFromContext(r.Context(), h.logger)
	params := report.ParseParams(r.URL.Query())

	outcome, written := outcomeFailed, int64(0)
	h.metrics.Started()
	defer func() { h.metrics.Finished("stream", outcome, written, time.Since(start)) }()

	rows, err := h.source.Run(r.Context(), h.procedure, params.RowCount)
	if err != nil {
		outcome = h.fail(w, logger, err)
		return
	}
	defer rows.Close()

	more := rows.Next()
	if !more && rows.Err() != nil {
		outcome = h.fail(w, logger, rows.Err())
		return
	}

	setAttachmentHeaders(w, h.filename())
	w.WriteHeader(http.StatusOK)

	sw := xlsx.NewStreamWriter(newResponseSink(w), xlsx.WithPageSize(h.pageSize))
	if err := sw.Open(h.columns); err != nil {
		outcome = h.disconnected(logger, err, rows.Count())
		return
	}
	for ; more; more = rows.Next() {
		if err := sw.AppendRow(report.Serialize(rows.Row(), h.columns)); err != nil {
			outcome = h.disconnected(logger, err, rows.Count())
			return
		}
	}
	written = rows.Count()

	if err := rows.Err(); err != nil {
		if domain.IsKind(err, domain.KindTransport) {
			outcome = h.disconnected(logger, err, written)
			return
		}
		outcome = outcomeAborted
		logger.Error("export aborted mid-stream", "rows", written, "kind", domain.KindOf(err).String(), "error", err)
		panic(http.ErrAbortHandler)
	}

	if err := sw.Finalize(); err != nil {
		outcome = h.disconnected(logger, err, written)
		return
	}
	outcome = outcomeCompleted
	logger.Info("export completed", "rows", written, "row_count", params.RowCount, "duration", time.Since(start))
}

// Buffered collects every row, encodes the document once and writes it with
// a Content-Length. Any failure is answered with a JSON error.
func (h *Handler) Buffered(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := middleware.LoggerFromContext(r.Context(), h.logger)
	params := report.ParseParams(r.URL.Query())

	outcome, written := outcomeFailed, int64(0)
	h.metrics.Started()
	defer func() { h.metrics.Finished("buffered", outcome, written, time.Since(start)) }()

	rows, err := h.source.Run(r.Context(), h.procedure, params.RowCount)
	if err != nil {
		outcome = h.fail(w, logger, err)
		return
	}
	defer rows.Close()

	var data [][]any
	for rows.Next() {
		data = append(data, report.Serialize(rows.Row(), h.columns))
	}
	if err := rows.Err(); err != nil {
		outcome = h.fail(w, logger, err)
		return
	}

	buf, err := xlsx.EncodeBuffered(h.columns, data)
	if err != nil {
		outcome = h.fail(w, logger, domain.WrapError(domain.KindInternal, "ENCODE_FAILED", err, "encode spreadsheet"))
		return
	}

	setAttachmentHeaders(w, h.filename())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		outcome = h.disconnected(logger, err, rows.Count())
		return
	}
	written = rows.Count()
	outcome = outcomeCompleted
	logger.Info("buffered export completed", "rows", written, "bytes", buf.Len(), "duration", time.Since(start))
}

// fail answers err before any response byte was written. A client that is
// already gone gets nothing.
func (h *Handler) fail(w http.ResponseWriter, logger *slog.Logger, err error) string {
	if domain.IsKind(err, domain.KindTransport) {
		logger.Info("client disconnected before export started", "error", err)
		return outcomeDisconnected
	}
	status := api.StatusFromError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("export failed", "status", status, "kind", domain.KindOf(err).String(), "error", err)
	} else {
		logger.Warn("export rejected", "status", status, "error", err)
	}
	api.WriteError(w, err)
	return outcomeFailed
}

func (h *Handler) disconnected(logger *slog.Logger, err error, rows int64) string {
	logger.Info("client disconnected during export", "rows", rows, "error", err)
	return outcomeDisconnected
}

func (h *Handler) filename() string {
	return fmt.Sprintf("report-%s-%s.xlsx", h.now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func setAttachmentHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Cache-Control", "no-store")
}

// responseSink adapts a ResponseWriter to the stream writer: every committed
// page is flushed to the client.
type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
