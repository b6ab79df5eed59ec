package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// lines yields the raw cells of a sheet one line at a time.
type lines interface {
	next() ([]string, error)
	close() error
}

func openLines(path string, format Format, opts Options) (lines, error) {
	switch format {
	case CSV:
		return openCSV(path, opts.Encoding)
	case XLSX:
		return openXLSX(path)
	case XLS:
		return openXLS(path)
	}
	return nil, &UnsupportedFormatError{Path: path, Detail: "format " + string(format)}
}

// --- csv ---

type csvLines struct {
	f *os.File
	r *csv.Reader
}

func openCSV(path, encoding string) (*csvLines, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	// BOMOverride strips a UTF-8/16 byte order mark, which spreadsheet exports
	// commonly prepend to the header cell.
	dec := unicode.UTF8.NewDecoder()
	if enc := strings.ToLower(strings.ReplaceAll(encoding, "-", "")); enc != "" && enc != "utf8" {
		e, err := htmlindex.Get(encoding)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("unsupported encoding %q: %w", encoding, err)
		}
		dec = e.NewDecoder()
	}

	r := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(dec)))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	return &csvLines{f: f, r: r}, nil
}

func (c *csvLines) next() ([]string, error) {
	rec, err := c.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		var line int
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			line = pe.Line
		}
		return nil, &ParseError{Path: c.f.Name(), Line: line, Err: err}
	}
	return rec, nil
}

func (c *csvLines) close() error { return c.f.Close() }

// --- xlsx ---

type xlsxLines struct {
	path string
	f    *excelize.File
	rows *excelize.Rows
	line int
}

// openXLSX streams the first sheet with raw cell values, so date cells arrive
// as serial numbers rather than locale-formatted text.
func openXLSX(path string) (*xlsxLines, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &ParseError{Path: path, Err: errors.New("workbook has no sheets")}
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, &ParseError{Path: path, Err: err}
	}
	return &xlsxLines{path: path, f: f, rows: rows}, nil
}

func (x *xlsxLines) next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, &ParseError{Path: x.path, Line: x.line, Err: err}
		}
		return nil, io.EOF
	}
	x.line++
	cols, err := x.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, &ParseError{Path: x.path, Line: x.line, Err: err}
	}
	return cols, nil
}

func (x *xlsxLines) close() error {
	x.rows.Close()
	return x.f.Close()
}

// --- xls ---

type xlsLines struct {
	sheet *xls.WorkSheet
	row   int
}

func openXLS(path string) (l *xlsLines, err error) {
	// The legacy decoder panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			l, err = nil, &ParseError{Path: path, Err: fmt.Errorf("corrupt workbook: %v", r)}
		}
	}()
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, &ParseError{Path: path, Err: errors.New("workbook has no sheets")}
	}
	return &xlsLines{sheet: sheet}, nil
}

func (x *xlsLines) next() ([]string, error) {
	if x.row > int(x.sheet.MaxRow) {
		return nil, io.EOF
	}
	r := x.sheet.Row(x.row)
	x.row++
	if r == nil {
		return []string{}, nil
	}
	cells := make([]string, r.LastCol())
	for j := r.FirstCol(); j < r.LastCol(); j++ {
		cells[j] = r.Col(j)
	}
	return cells, nil
}

func (x *xlsLines) close() error { return nil }
