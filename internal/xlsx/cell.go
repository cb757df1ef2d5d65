package xlsx

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"time"
)

// maxSafeInteger is the largest integer a spreadsheet number (IEEE 754
// double) represents exactly.
const maxSafeInteger = 1<<53 - 1

// TimeLayout is the text form of timestamp cells.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// CellValue normalizes a database value into one of nil, bool, int64,
// float64 or string, the kinds a cell can hold. Integers outside the exactly
// representable range and timestamps become text.
func CellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string:
		return x
	case int:
		return intCell(int64(x))
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return intCell(x)
	case uint:
		return uintCell(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return uintCell(x)
	case float32:
		return floatCell(float64(x))
	case float64:
		return floatCell(x)
	case time.Time:
		return x.Format(TimeLayout)
	case []byte:
		return string(x)
	case interface{ Float64() float64 }:
		return floatCell(x.Float64())
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func intCell(n int64) any {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return strconv.FormatInt(n, 10)
	}
	return n
}

func uintCell(n uint64) any {
	if n > maxSafeInteger {
		return strconv.FormatUint(n, 10)
	}
	return int64(n)
}

func floatCell(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// columnName returns the spreadsheet column letters for a zero-based index.
func columnName(i int) string {
	var b [8]byte
	pos := len(b)
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		pos--
		b[pos] = byte('A' + (n-1)%26)
	}
	return string(b[pos:])
}

// appendRow encodes one <row> element. rowNum is one-based.
func appendRow(buf *bytes.Buffer, rowNum int, values []any) {
	r := strconv.Itoa(rowNum)
	buf.WriteString(`<row r="`)
	buf.WriteString(r)
	buf.WriteString(`">`)
	for i, v := range values {
		appendCell(buf, columnName(i)+r, CellValue(v))
	}
	buf.WriteString(`</row>`)
}

func appendCell(buf *bytes.Buffer, ref string, v any) {
	switch x := v.(type) {
	case nil:
		return
	case bool:
		buf.WriteString(`<c r="` + ref + `" t="b"><v>`)
		if x {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
		buf.WriteString(`</v></c>`)
	case int64:
		buf.WriteString(`<c r="` + ref + `"><v>`)
		buf.WriteString(strconv.FormatInt(x, 10))
		buf.WriteString(`</v></c>`)
	case float64:
		buf.WriteString(`<c r="` + ref + `"><v>`)
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		buf.WriteString(`</v></c>`)
	case string:
		buf.WriteString(`<c r="` + ref + `" t="inlineStr"><is><t xml:space="preserve">`)
		_ = xml.EscapeText(buf, []byte(x))
		buf.WriteString(`</t></is></c>`)
	}
}
