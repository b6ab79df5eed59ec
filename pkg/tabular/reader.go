// Package tabular reads uploaded CSV and spreadsheet files as a sequence of
// header-keyed rows.
//
// A Reader is lazy, finite and not restartable: each call to Next pulls the
// next data line from the file. The Layout decides where the header is and
// which lines carry data.
package tabular

import "strings"

// Row maps header text to the raw cell value of one data line.
type Row map[string]any

// Options tunes file decoding.
type Options struct {
	// Encoding is the charset of CSV files (e.g. "windows-1252"). Empty means UTF-8.
	Encoding string
}

// Reader pulls rows from an open file. Next returns io.EOF after the last row.
type Reader interface {
	Next() (Row, error)
	// Line is the 1-based line number of the last row returned.
	Line() int
	Close() error
}

// Open opens path and binds it to layout. Header errors (such as
// MissingColumnsError) surface here, before any data row is read.
func Open(path string, format Format, layout Layout, opts Options) (Reader, error) {
	src, err := openLines(path, format, opts)
	if err != nil {
		return nil, err
	}
	r, err := layout.bind(&counted{lines: src})
	if err != nil {
		src.close()
		return nil, err
	}
	return r, nil
}

// counted tracks the line number of a lines source.
type counted struct {
	lines
	n int
}

func (c *counted) next() ([]string, error) {
	cells, err := c.lines.next()
	if err == nil {
		c.n++
	}
	return cells, err
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}
