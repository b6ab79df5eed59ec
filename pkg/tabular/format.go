package tabular

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is a supported upload encoding.
type Format string

const (
	CSV  Format = "csv"
	XLS  Format = "xls"
	XLSX Format = "xlsx"
)

// Spreadsheet reports whether the format is a workbook rather than delimited text.
func (f Format) Spreadsheet() bool { return f == XLS || f == XLSX }

// FormatOf resolves the format from the extension of name, falling back to
// sniffing the content at path when the extension says nothing.
func FormatOf(path, name string) (Format, error) {
	if name == "" {
		name = path
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return CSV, nil
	case ".xls":
		return XLS, nil
	case ".xlsx":
		return XLSX, nil
	case "":
	default:
		return "", &UnsupportedFormatError{Path: name, Detail: "extension " + filepath.Ext(name)}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", &ParseError{Path: name, Err: err}
	}
	switch {
	case mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return XLSX, nil
	case mt.Is("application/vnd.ms-excel"):
		return XLS, nil
	case mt.Is("text/csv"):
		return CSV, nil
	}
	return "", &UnsupportedFormatError{Path: name, Detail: "content " + mt.String()}
}
