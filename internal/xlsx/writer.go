// Package xlsx encodes report rows as XLSX spreadsheet documents.
//
// StreamWriter produces the document incrementally: rows are encoded into a
// bounded page and every full page is compressed and pushed to the sink, so
// memory use does not grow with the row count. EncodeBuffered builds the whole
// document in memory instead.
package xlsx

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"io"

	"report-stream/internal/domain"
	"report-stream/internal/report"
)

// DefaultPageSize is the number of rows encoded before a page is committed.
const DefaultPageSize = 256

// Flusher is implemented by sinks that buffer internally, such as HTTP
// response writers. Flush is called after every committed page.
type Flusher interface {
	Flush() error
}

// Option configures a StreamWriter.
type Option func(*StreamWriter)

// WithPageSize sets the number of rows held before a commit. Values below one
// are ignored.
func WithPageSize(n int) Option {
	return func(s *StreamWriter) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// ErrFinalized is returned when rows are appended after Finalize.
var ErrFinalized = errors.New("xlsx: document already finalized")

// StreamWriter writes a single-sheet document to a sink as rows arrive.
// Writes block while the sink blocks, which paces the caller to the consumer.
// A StreamWriter is not safe for concurrent use.
type StreamWriter struct {
	sink     io.Writer
	zw       *zip.Writer
	deflate  *flate.Writer
	sheet    io.Writer
	page     bytes.Buffer
	pageRows int
	pageSize int
	rows     int
	width    int

	opened    bool
	finalized bool
	err       error
}

// NewStreamWriter creates a writer that emits the document to sink.
func NewStreamWriter(sink io.Writer, opts ...Option) *StreamWriter {
	s := &StreamWriter{sink: sink, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	s.zw = zip.NewWriter(sink)
	s.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(out, flate.BestSpeed)
		s.deflate = fw
		return fw, err
	})
	return s
}

// Open writes the package parts, the column widths and the header row, and
// commits them to the sink.
func (s *StreamWriter) Open(cols []report.Column) error {
	if s.err != nil {
		return s.err
	}
	if s.opened {
		return nil
	}
	s.opened = true
	s.width = len(cols)

	for _, part := range staticParts {
		w, err := s.zw.Create(part.name)
		if err != nil {
			return s.fail(err)
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return s.fail(err)
		}
	}
	sheet, err := s.zw.Create(sheetPartName)
	if err != nil {
		return s.fail(err)
	}
	s.sheet = sheet

	appendSheetPrologue(&s.page, cols)
	headers := make([]any, len(cols))
	for i, h := range report.Headers(cols) {
		headers[i] = h
	}
	appendRow(&s.page, 1, headers)
	return s.commit()
}

// AppendRow encodes one data row. When the page is full it is committed,
// which blocks until the sink accepted the bytes. A sink failure is returned
// as a transport error and every later call returns the same error.
func (s *StreamWriter) AppendRow(values []any) error {
	if s.err != nil {
		return s.err
	}
	if s.finalized {
		return ErrFinalized
	}
	if !s.opened {
		if err := s.Open(nil); err != nil {
			return err
		}
	}

	s.rows++
	appendRow(&s.page, s.rows+1, values)
	s.pageRows++
	if s.pageRows >= s.pageSize {
		return s.commit()
	}
	return nil
}

// Finalize commits the remaining rows, closes the worksheet and writes the
// archive directory. The sink is flushed afterwards.
func (s *StreamWriter) Finalize() error {
	if s.err != nil {
		return s.err
	}
	if s.finalized {
		return nil
	}
	if !s.opened {
		if err := s.Open(nil); err != nil {
			return err
		}
	}
	s.finalized = true

	s.page.WriteString(sheetEpilogue)
	if _, err := s.sheet.Write(s.page.Bytes()); err != nil {
		return s.fail(err)
	}
	s.page.Reset()
	s.pageRows = 0
	if err := s.zw.Close(); err != nil {
		return s.fail(err)
	}
	return s.flushSink()
}

// Buffered returns the number of encoded rows not yet committed to the sink.
func (s *StreamWriter) Buffered() int { return s.pageRows }

// Rows returns the number of data rows appended.
func (s *StreamWriter) Rows() int { return s.rows }

func (s *StreamWriter) commit() error {
	if _, err := s.sheet.Write(s.page.Bytes()); err != nil {
		return s.fail(err)
	}
	s.page.Reset()
	s.pageRows = 0

	if s.deflate != nil {
		if err := s.deflate.Flush(); err != nil {
			return s.fail(err)
		}
	}
	if err := s.zw.Flush(); err != nil {
		return s.fail(err)
	}
	return s.flushSink()
}

func (s *StreamWriter) flushSink() error {
	if f, ok := s.sink.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return s.fail(err)
		}
	}
	return nil
}

func (s *StreamWriter) fail(err error) error {
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		s.err = err
	} else {
		s.err = domain.WrapError(domain.KindTransport, "", err, "write spreadsheet")
	}
	return s.err
}
