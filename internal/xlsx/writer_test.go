package xlsx

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"report-stream/internal/domain"
	"report-stream/internal/report"
)

func syntheticRow(i int) []any {
	return report.Serialize(domain.Row{
		"id":          int64(i),
		"big_number":  int64(9007199254740993) + int64(i)*1000003,
		"amount":      float64(i) * 1.25,
		"ratio":       float64(i%1000) / 1000,
		"is_active":   i%2 == 0,
		"uuid":        fmt.Sprintf("%08x-0000-4000-8000-%012x", i, i),
		"created_at":  time.Date(2024, 1, 1, 0, 0, i%60, 0, time.UTC),
		"name":        fmt.Sprintf("Item %d", i),
		"description": fmt.Sprintf("Description for item %d", i),
		"metadata":    fmt.Sprintf(`{"index":%d}`, i),
	}, report.Columns)
}

func readSheet(t *testing.T, doc []byte) (*excelize.File, [][]string) {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(doc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	return f, rows
}

func TestStreamWriter_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewStreamWriter(&buf, WithPageSize(7))
	require.NoError(t, w.Open(report.Columns))
	for i := 1; i <= 100; i++ {
		require.NoError(t, w.AppendRow(syntheticRow(i)))
	}
	require.NoError(t, w.Finalize())
	assert.Equal(t, 100, w.Rows())

	f, rows := readSheet(t, buf.Bytes())
	require.Len(t, rows, 101)
	assert.Equal(t, report.Headers(report.Columns), rows[0])

	first := rows[1]
	assert.Equal(t, "1", first[0])
	assert.Equal(t, "9007199255740996", first[1], "unsafe integers are kept as text")
	assert.Equal(t, "1.25", first[2])
	assert.Equal(t, "FALSE", first[4])
	assert.Equal(t, "00000001-0000-4000-8000-000000000001", first[5])
	assert.Equal(t, "2024-01-01T00:00:01.000Z", first[6])
	assert.Equal(t, "Item 1", first[7])
	assert.Equal(t, `{"index":1}`, first[9])

	assert.Equal(t, "100", rows[100][0])
	assert.Equal(t, "TRUE", rows[100][4])

	width, err := f.GetColWidth(SheetName, "I")
	require.NoError(t, err)
	assert.InDelta(t, report.Columns[8].Width, width, 0.01)
}

func TestStreamWriter_EscapesText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	require.NoError(t, w.Open(report.Columns[:2]))
	require.NoError(t, w.AppendRow([]any{"  <b>&\"quoted\"</b> ", nil}))
	require.NoError(t, w.AppendRow([]any{nil, "second"}))
	require.NoError(t, w.Finalize())

	_, rows := readSheet(t, buf.Bytes())
	require.Len(t, rows, 3)
	assert.Equal(t, "  <b>&\"quoted\"</b> ", rows[1][0])
	assert.Equal(t, []string{"", "second"}, rows[2])
}

func TestStreamWriter_EmptyDocument(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	require.NoError(t, w.Open(report.Columns))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Finalize())

	_, rows := readSheet(t, buf.Bytes())
	require.Len(t, rows, 1)
	assert.ErrorIs(t, w.AppendRow(syntheticRow(1)), ErrFinalized)
}

// countingSink records how many bytes arrived and how often it was flushed.
type countingSink struct {
	bytes   int64
	flushes int
}

func (s *countingSink) Write(p []byte) (int, error) {
	s.bytes += int64(len(p))
	return len(p), nil
}

func (s *countingSink) Flush() error {
	s.flushes++
	return nil
}

func TestStreamWriter_BoundedBuffer(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 1000, 1000000} {
		n := n
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			t.Parallel()
			if n >= 1000000 && testing.Short() {
				t.Skip("large export skipped in short mode")
			}

			const pageSize = 64
			sink := &countingSink{}
			w := NewStreamWriter(sink, WithPageSize(pageSize))
			require.NoError(t, w.Open(report.Columns))
			afterOpen := sink.bytes
			assert.Positive(t, afterOpen, "prologue committed on open")

			maxBuffered := 0
			for i := 1; i <= n; i++ {
				require.NoError(t, w.AppendRow(syntheticRow(i)))
				if b := w.Buffered(); b > maxBuffered {
					maxBuffered = b
				}
				if i == pageSize {
					assert.Greater(t, sink.bytes, afterOpen, "full page reaches the sink before finalize")
				}
			}
			assert.Less(t, maxBuffered, pageSize)
			require.NoError(t, w.Finalize())
			assert.Zero(t, w.Buffered())
			assert.Equal(t, n/pageSize+2, sink.flushes)
		})
	}
}

// gateSink blocks every Write until the test receives it.
type gateSink struct {
	writes chan []byte
	buf    bytes.Buffer
}

func (s *gateSink) Write(p []byte) (int, error) {
	s.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func TestStreamWriter_Backpressure(t *testing.T) {
	t.Parallel()

	sink := &gateSink{writes: make(chan []byte)}
	var appended atomic.Int32
	done := make(chan error, 1)

	go func() {
		w := NewStreamWriter(sink, WithPageSize(1))
		if err := w.Open(report.Columns); err != nil {
			done <- err
			return
		}
		for i := 1; i <= 3; i++ {
			if err := w.AppendRow(syntheticRow(i)); err != nil {
				done <- err
				return
			}
			appended.Add(1)
		}
		done <- w.Finalize()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, appended.Load(), "producer must wait for the consumer")

	for {
		select {
		case p := <-sink.writes:
			sink.buf.Write(p)
		case err := <-done:
			require.NoError(t, err)
			assert.EqualValues(t, 3, appended.Load())
			_, rows := readSheet(t, sink.buf.Bytes())
			assert.Len(t, rows, 4)
			return
		}
	}
}

// failingSink accepts limit bytes and then fails.
type failingSink struct {
	mu      sync.Mutex
	limit   int
	written int
}

var errBrokenPipe = errors.New("broken pipe")

func (s *failingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written+len(p) > s.limit {
		return 0, errBrokenPipe
	}
	s.written += len(p)
	return len(p), nil
}

func TestStreamWriter_SinkError(t *testing.T) {
	t.Parallel()

	w := NewStreamWriter(&failingSink{limit: 16 << 10}, WithPageSize(1))
	require.NoError(t, w.Open(report.Columns))

	var err error
	for i := 1; i <= 10000 && err == nil; i++ {
		err = w.AppendRow(syntheticRow(i))
	}
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
	assert.ErrorIs(t, err, errBrokenPipe)

	assert.Equal(t, err, w.AppendRow(syntheticRow(1)), "error is sticky")
	assert.Equal(t, err, w.Finalize())
}

func TestEncodeBuffered(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 0, 20)
	for i := 1; i <= 20; i++ {
		rows = append(rows, syntheticRow(i))
	}
	buf, err := EncodeBuffered(report.Columns, rows)
	require.NoError(t, err)

	f, got := readSheet(t, buf.Bytes())
	require.Len(t, got, 21)
	assert.Equal(t, report.Headers(report.Columns), got[0])
	assert.Equal(t, "20", got[20][0])
	assert.Equal(t, "9007199274741053", got[20][1])
	assert.Equal(t, "TRUE", got[20][4])
	assert.Equal(t, "Item 20", got[20][7])

	width, err := f.GetColWidth(SheetName, "A")
	require.NoError(t, err)
	assert.InDelta(t, report.Columns[0].Width, width, 0.01)
}

func TestStreamAndBufferedAgree(t *testing.T) {
	t.Parallel()

	rows := [][]any{syntheticRow(1), syntheticRow(2), syntheticRow(3)}

	var streamed bytes.Buffer
	w := NewStreamWriter(&streamed)
	require.NoError(t, w.Open(report.Columns))
	for _, r := range rows {
		require.NoError(t, w.AppendRow(r))
	}
	require.NoError(t, w.Finalize())

	buffered, err := EncodeBuffered(report.Columns, rows)
	require.NoError(t, err)

	_, a := readSheet(t, streamed.Bytes())
	_, b := readSheet(t, buffered.Bytes())
	assert.Equal(t, b, a)
}

// sheetRows counts worksheet rows without decoding the document, so it also
// works for sheets larger than spreadsheet readers accept.
type sheetRows struct {
	count int
	carry []byte
	tail  []byte
}

var rowOpen = []byte(`<row r="`)

func (s *sheetRows) Write(p []byte) (int, error) {
	data := append(append([]byte(nil), s.carry...), p...)
	s.count += bytes.Count(data, rowOpen)
	keep := len(rowOpen) - 1
	if len(data) < keep {
		keep = len(data)
	}
	s.carry = append(s.carry[:0], data[len(data)-keep:]...)

	s.tail = append(s.tail, p...)
	if len(s.tail) > 4096 {
		s.tail = append([]byte(nil), s.tail[len(s.tail)-4096:]...)
	}
	return len(p), nil
}

var lastRowRef = regexp.MustCompile(`<row r="(\d+)"`)

func (s *sheetRows) last(t *testing.T) int {
	t.Helper()
	m := lastRowRef.FindAllSubmatch(s.tail, -1)
	require.NotEmpty(t, m)
	n, err := strconv.Atoi(string(m[len(m)-1][1]))
	require.NoError(t, err)
	return n
}

func countSheetRows(t *testing.T, doc []byte) *sheetRows {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != sheetPartName {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		s := &sheetRows{}
		_, err = io.Copy(s, rc)
		require.NoError(t, err)
		return s
	}
	t.Fatalf("worksheet %s missing", sheetPartName)
	return nil
}

func TestEncode_MaxRowCount(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("large export skipped in short mode")
	}

	cols := report.Columns[:1]
	row := []any{int64(1)}

	t.Run("stream", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := NewStreamWriter(&buf)
		require.NoError(t, w.Open(cols))
		for i := 0; i < report.MaxRowCount; i++ {
			require.NoError(t, w.AppendRow(row))
		}
		require.NoError(t, w.Finalize())
		assert.Equal(t, report.MaxRowCount, w.Rows())

		rows := countSheetRows(t, buf.Bytes())
		assert.Equal(t, report.MaxRowCount+1, rows.count, "header plus every data row")
		assert.Equal(t, report.MaxRowCount+1, rows.last(t))
	})

	t.Run("buffered", func(t *testing.T) {
		t.Parallel()
		data := make([][]any, report.MaxRowCount)
		for i := range data {
			data[i] = row
		}
		buf, err := EncodeBuffered(cols, data)
		require.NoError(t, err)

		rows := countSheetRows(t, buf.Bytes())
		assert.Equal(t, report.MaxRowCount+1, rows.count, "header plus every data row")
		assert.Equal(t, report.MaxRowCount+1, rows.last(t))
	})
}
