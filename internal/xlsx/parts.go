package xlsx

import (
	"bytes"
	"strconv"

	"report-stream/internal/report"
)

// SheetName is the name of the only worksheet in every document.
const SheetName = "Report"

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

const contentTypesXML = xmlHeader + `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>` +
	`<Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>` +
	`<Override PartName="/xl/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.styles+xml"/>` +
	`</Types>`

const rootRelsXML = xmlHeader + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>` +
	`</Relationships>`

const workbookXML = xmlHeader + `<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" ` +
	`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">` +
	`<sheets><sheet name="` + SheetName + `" sheetId="1" r:id="rId1"/></sheets>` +
	`</workbook>`

const workbookRelsXML = xmlHeader + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>` +
	`<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>` +
	`</Relationships>`

// stylesXML is the minimal stylesheet spreadsheet applications require.
const stylesXML = xmlHeader + `<styleSheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">` +
	`<fonts count="1"><font><sz val="11"/><name val="Calibri"/></font></fonts>` +
	`<fills count="2"><fill><patternFill patternType="none"/></fill><fill><patternFill patternType="gray125"/></fill></fills>` +
	`<borders count="1"><border><left/><right/><top/><bottom/><diagonal/></border></borders>` +
	`<cellStyleXfs count="1"><xf numFmtId="0" fontId="0" fillId="0" borderId="0"/></cellStyleXfs>` +
	`<cellXfs count="1"><xf numFmtId="0" fontId="0" fillId="0" borderId="0" xfId="0"/></cellXfs>` +
	`<cellStyles count="1"><cellStyle name="Normal" xfId="0" builtinId="0"/></cellStyles>` +
	`</styleSheet>`

const sheetEpilogue = `</sheetData></worksheet>`

// staticParts are written, in order, before the worksheet.
var staticParts = []struct {
	name string
	body string
}{
	{"[Content_Types].xml", contentTypesXML},
	{"_rels/.rels", rootRelsXML},
	{"xl/workbook.xml", workbookXML},
	{"xl/_rels/workbook.xml.rels", workbookRelsXML},
	{"xl/styles.xml", stylesXML},
}

const sheetPartName = "xl/worksheets/sheet1.xml"

// appendSheetPrologue writes the worksheet start, column widths and the
// opening of sheetData.
func appendSheetPrologue(buf *bytes.Buffer, cols []report.Column) {
	buf.WriteString(xmlHeader)
	buf.WriteString(`<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" ` +
		`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">`)
	if len(cols) > 0 {
		buf.WriteString(`<cols>`)
		for i, c := range cols {
			n := strconv.Itoa(i + 1)
			buf.WriteString(`<col min="` + n + `" max="` + n + `" width="`)
			buf.WriteString(strconv.FormatFloat(c.Width, 'f', -1, 64))
			buf.WriteString(`" customWidth="1"/>`)
		}
		buf.WriteString(`</cols>`)
	}
	buf.WriteString(`<sheetData>`)
}
