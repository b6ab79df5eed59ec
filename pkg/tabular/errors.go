package tabular

import (
	"fmt"
	"strings"
)

// UnsupportedFormatError is returned for uploads that are neither CSV, XLS nor XLSX.
type UnsupportedFormatError struct {
	Path   string
	Detail string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file format for %s (%s): expected .csv, .xls or .xlsx", e.Path, e.Detail)
}

// ParseError wraps an unreadable or corrupt file.
type ParseError struct {
	Path string
	Line int // 1-based, 0 when unknown
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingColumnsError reports required columns absent from the header row.
type MissingColumnsError struct {
	Columns []string
	Header  []string
}

func (e *MissingColumnsError) Error() string {
	msg := "missing required columns: " + strings.Join(e.Columns, ", ")
	if len(e.Header) > 0 {
		msg += fmt.Sprintf(" (header: %q)", e.Header)
	}
	return msg
}
