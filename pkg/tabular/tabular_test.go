package tabular

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var apyScan = HeaderScan{
	Markers: []string{"State", "States/UT"},
	Key:     "State",
	Columns: []Column{
		{Key: "Area", Match: "Area", Required: true},
		{Key: "Production", Match: "Production", Required: true},
		{Key: "Productivity", Match: "Productivity", Required: true},
		{Key: "Crop", Match: "Crop"},
	},
	Exclude: []string{"India", "All India", "Total", "Grand Total"},
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeXLSX(t *testing.T, name string, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow("Sheet1", cellRef, &r))
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.SaveAs(path))
	return path
}

// readAll drains r and closes it.
func readAll(r Reader) ([]Row, error) {
	defer r.Close()
	var rows []Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func TestCSV_HeaderPairing(t *testing.T) {
	path := writeFile(t, "prices.csv", "\ufeffState Name,Market Name,Modal Price\nMH,Pune,1200\n,,\nUP,Agra\n")

	r, err := Open(path, CSV, HeaderAt(0), Options{})
	require.NoError(t, err)
	rows, err := readAll(r)
	require.NoError(t, err)

	require.Len(t, rows, 2, "blank line skipped")
	assert.Equal(t, Row{"State Name": "MH", "Market Name": "Pune", "Modal Price": "1200"}, rows[0])
	assert.Equal(t, "", rows[1]["Modal Price"], "short line padded with empty cells")
}

func TestReader_Line(t *testing.T) {
	path := writeFile(t, "prices.csv", "State Name,Market Name\nMH,Pune\n,,\nUP,Agra\n")

	r, err := Open(path, CSV, HeaderAt(0), Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Line())
	_, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 4, r.Line(), "blank line counted")
}

func TestCSV_Encoding(t *testing.T) {
	// "Béed" in windows-1252.
	path := writeFile(t, "latin.csv", "District\nB\xe9ed\n")

	r, err := Open(path, CSV, HeaderAt(0), Options{Encoding: "windows-1252"})
	require.NoError(t, err)
	rows, err := readAll(r)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Béed", rows[0]["District"])
}

func TestCSV_UnknownEncoding(t *testing.T) {
	path := writeFile(t, "x.csv", "a\n1\n")
	_, err := Open(path, CSV, HeaderAt(0), Options{Encoding: "klingon"})
	assert.Error(t, err)
}

func TestCSV_Empty(t *testing.T) {
	path := writeFile(t, "empty.csv", "")
	r, err := Open(path, CSV, HeaderAt(0), Options{})
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	r.Close()
}

func TestXLSX_TitleRowDiscarded(t *testing.T) {
	path := writeXLSX(t, "prices.xlsx", [][]any{
		{"Daily prices report"},
		{"State Name", "Market Name", "Reported Date"},
		{"MH", "Pune", 45000},
		{nil, nil, nil},
		{"UP", "Agra", "15-03-24"},
	})

	r, err := Open(path, XLSX, HeaderAt(1), Options{})
	require.NoError(t, err)
	rows, err := readAll(r)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "Pune", rows[0]["Market Name"])
	assert.Equal(t, "45000", rows[0]["Reported Date"], "raw serial, not formatted text")
	assert.Equal(t, "15-03-24", rows[1]["Reported Date"])
}

func TestHeaderScan_FindsHeaderAndExcludesAggregates(t *testing.T) {
	path := writeXLSX(t, "apy.xlsx", [][]any{
		{"Area, Production and Productivity of Rice"},
		{},
		{"Sl. No.", "States/UT", "Area ('000 Hectare)", "Production ('000 Tonnes)", "Productivity (Kg/Hectare)"},
		{1, "Punjab", "3,142", "14,356", 4569},
		{2, "", "1", "2", "3"},
		{3, "All India", "46,379", "135,755", 2927},
		{4, "Bihar", "3,016", "", 2206},
		{nil, "Grand Total", "1", "1", "1"},
	})

	r, err := Open(path, XLSX, apyScan, Options{})
	require.NoError(t, err)
	rows, err := readAll(r)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "Punjab", rows[0]["State"])
	assert.Equal(t, "3,142", rows[0]["Area"])
	assert.Equal(t, "14,356", rows[0]["Production"])
	assert.Equal(t, "4569", rows[0]["Productivity"])
	_, hasCrop := rows[0]["Crop"]
	assert.False(t, hasCrop, "optional column absent from header")
	assert.Equal(t, "Bihar", rows[1]["State"])
}

func TestHeaderScan_MissingColumns(t *testing.T) {
	path := writeXLSX(t, "apy.xlsx", [][]any{
		{"State", "Area", "Yield"},
		{"Punjab", "1", "2"},
	})

	_, err := Open(path, XLSX, apyScan, Options{})
	var mce *MissingColumnsError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, []string{"Production", "Productivity"}, mce.Columns)
	assert.Contains(t, err.Error(), "Production")
}

func TestHeaderScan_NoHeader(t *testing.T) {
	path := writeFile(t, "apy.csv", "Region,Area\nNorth,1\n")
	_, err := Open(path, CSV, apyScan, Options{})
	var mce *MissingColumnsError
	assert.True(t, errors.As(err, &mce))
}

func TestOpen_CorruptWorkbook(t *testing.T) {
	path := writeFile(t, "broken.xlsx", "definitely not a zip")
	_, err := Open(path, XLSX, HeaderAt(1), Options{})
	var pe *ParseError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}

func TestFormatOf(t *testing.T) {
	csvPath := writeFile(t, "upload", "a,b,c\n1,2,3\n4,5,6\n")
	xlsxPath := filepath.Join(t.TempDir(), "book")
	require.NoError(t, os.Rename(writeXLSX(t, "book.xlsx", [][]any{{"a"}}), xlsxPath))

	tests := []struct {
		path, name string
		want       Format
		wantErr    bool
	}{
		{csvPath, "prices.CSV", CSV, false},
		{csvPath, "prices.xls", XLS, false},
		{csvPath, "prices.xlsx", XLSX, false},
		{csvPath, "prices.pdf", "", true},
		{csvPath, "", CSV, false},
		{xlsxPath, "", XLSX, false},
	}
	for _, tt := range tests {
		got, err := FormatOf(tt.path, tt.name)
		if tt.wantErr {
			var ue *UnsupportedFormatError
			if !errors.As(err, &ue) {
				t.Errorf("FormatOf(%q) err = %v, want UnsupportedFormatError", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("FormatOf(%q, %q) = %q, %v, want %q", tt.path, tt.name, got, err, tt.want)
		}
	}
}
