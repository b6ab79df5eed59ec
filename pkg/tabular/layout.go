package tabular

import (
	"io"
	"strings"
)

// Layout locates the header of a sheet and turns the following lines into rows.
type Layout interface {
	bind(src *counted) (Reader, error)
}

// HeaderAt places the header on the given 0-based line; earlier lines (such as
// a report title) are discarded. Blank lines after the header are skipped.
type HeaderAt int

func (h HeaderAt) bind(src *counted) (Reader, error) {
	for i := 0; i < int(h); i++ {
		if _, err := src.next(); err != nil {
			if err == io.EOF {
				return &headerReader{src: src}, nil
			}
			return nil, err
		}
	}
	header, err := src.next()
	if err == io.EOF {
		return &headerReader{src: src}, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &headerReader{src: src, header: header}, nil
}

type headerReader struct {
	src    *counted
	header []string
}

func (r *headerReader) Next() (Row, error) {
	if r.header == nil {
		return nil, io.EOF
	}
	for {
		cells, err := r.src.next()
		if err != nil {
			return nil, err
		}
		if blank(cells) {
			continue
		}
		row := make(Row, len(r.header))
		for i, h := range r.header {
			if h == "" {
				continue
			}
			row[h] = cell(cells, i)
		}
		return row, nil
	}
}

func (r *headerReader) Line() int    { return r.src.n }
func (r *headerReader) Close() error { return r.src.close() }

// Column is a header located by case-insensitive substring match.
type Column struct {
	// Key is the Row key the cell is stored under.
	Key      string
	Match    string
	Required bool
}

// HeaderScan finds the header by scanning down for a cell equal to one of
// Markers. That cell's column is the key column; rows whose key cell is empty
// or listed in Exclude are dropped.
type HeaderScan struct {
	Markers []string
	Key     string
	Columns []Column
	Exclude []string
}

func (s HeaderScan) bind(src *counted) (Reader, error) {
	for {
		cells, err := src.next()
		if err == io.EOF {
			return nil, &MissingColumnsError{Columns: []string{strings.Join(s.Markers, " or ")}}
		}
		if err != nil {
			return nil, err
		}
		keyIdx := s.markerIndex(cells)
		if keyIdx < 0 {
			continue
		}
		return s.columns(src, cells, keyIdx)
	}
}

func (s HeaderScan) markerIndex(cells []string) int {
	for i := range cells {
		c := cell(cells, i)
		for _, m := range s.Markers {
			if strings.EqualFold(c, m) {
				return i
			}
		}
	}
	return -1
}

func (s HeaderScan) columns(src *counted, header []string, keyIdx int) (Reader, error) {
	r := &scanReader{src: src, scan: s, keyIdx: keyIdx, idx: make(map[string]int, len(s.Columns))}
	var missing []string
	for _, col := range s.Columns {
		found := -1
		for i := range header {
			if i == keyIdx {
				continue
			}
			if strings.Contains(strings.ToLower(cell(header, i)), strings.ToLower(col.Match)) {
				found = i
				break
			}
		}
		switch {
		case found >= 0:
			r.idx[col.Key] = found
		case col.Required:
			missing = append(missing, col.Match)
		}
	}
	if len(missing) > 0 {
		trimmed := make([]string, len(header))
		for i := range header {
			trimmed[i] = cell(header, i)
		}
		return nil, &MissingColumnsError{Columns: missing, Header: trimmed}
	}
	return r, nil
}

type scanReader struct {
	src    *counted
	scan   HeaderScan
	keyIdx int
	idx    map[string]int
}

func (r *scanReader) excluded(key string) bool {
	for _, x := range r.scan.Exclude {
		if strings.EqualFold(key, x) {
			return true
		}
	}
	return false
}

func (r *scanReader) Next() (Row, error) {
	for {
		cells, err := r.src.next()
		if err != nil {
			return nil, err
		}
		key := cell(cells, r.keyIdx)
		if key == "" || r.excluded(key) {
			continue
		}
		row := Row{r.scan.Key: key}
		for k, i := range r.idx {
			row[k] = cell(cells, i)
		}
		return row, nil
	}
}

func (r *scanReader) Line() int    { return r.src.n }
func (r *scanReader) Close() error { return r.src.close() }
