package dataset

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Spreadsheet serial day 0. 1899-12-30 absorbs the Lotus 1900 leap-year bug
// for every serial after February 1900.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxSerial is 9999-12-31.
const maxSerial = 2958465

var (
	dmyPattern    = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{2}|\d{4})$`)
	leadingNumber = regexp.MustCompile(`[-+]?\d*\.?\d+`)
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006.01.02",
	"2006.01.02 15:04:05",
	"02.01.2006",
	"02-Jan-2006",
	"2-Jan-06",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Mon Jan 2 2006",
}

// Midnight truncates t to 00:00 local time on its local calendar day.
func Midnight(t time.Time) time.Time {
	t = t.In(time.Local)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

// FromSerial converts a spreadsheet date serial to its calendar day.
func FromSerial(serial float64) (time.Time, bool) {
	if serial < 1 || serial > maxSerial || math.IsNaN(serial) {
		return time.Time{}, false
	}
	d := serialEpoch.AddDate(0, 0, int(math.Floor(serial)))
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.Local), true
}

// CoerceDate turns a raw cell into a calendar day at local midnight. It tries,
// in order: a time value, a numeric serial, D-M-Y or D/M/Y text (two-digit
// years below 50 are 20xx), a list of common layouts. When nothing matches it
// returns today; it never fails.
func CoerceDate(v any, now time.Time) time.Time {
	switch x := v.(type) {
	case time.Time:
		if !x.IsZero() {
			return Midnight(x)
		}
	case float64:
		if t, ok := FromSerial(x); ok {
			return t
		}
	case int:
		if t, ok := FromSerial(float64(x)); ok {
			return t
		}
	case int64:
		if t, ok := FromSerial(float64(x)); ok {
			return t
		}
	case string:
		if t, ok := parseDateText(strings.TrimSpace(x)); ok {
			return t
		}
	}
	return Midnight(now)
}

func parseDateText(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return FromSerial(n)
	}
	if m := dmyPattern.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			if year < 50 {
				year += 2000
			} else {
				year += 1900
			}
		}
		if t, ok := calendarDay(year, month, day); ok {
			return t, true
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Midnight(t), true
		}
	}
	return time.Time{}, false
}

// calendarDay rejects dates that time.Date would silently normalize (31-02).
func calendarDay(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

// ParseNumber reads a number out of a cell, ignoring thousands separators and
// descriptive suffixes such as "Tonnes".
func ParseNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		m := leadingNumber.FindString(s)
		if m == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(m, 64)
		return n, err == nil
	}
	return 0, false
}

// Price is ParseNumber with 0 for missing or non-numeric cells.
func Price(v any) float64 {
	n, _ := ParseNumber(v)
	return n
}

// Stat is ParseNumber with nil for missing or non-numeric cells, keeping a
// real zero distinguishable from no value.
func Stat(v any) *float64 {
	n, ok := ParseNumber(v)
	if !ok {
		return nil
	}
	return &n
}

// Text renders a cell as trimmed text.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case time.Time:
		return x.Format("2006-01-02")
	}
	return ""
}

// foldHeader reduces a header to lowercase letters and digits, so
// "Min Price (Rs./Quintal)", "minPrice" and "min_price" share a prefix.
func foldHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// headers indexes a raw row by folded header.
type headers map[string]any

func foldRow(raw map[string]any) headers {
	h := make(headers, len(raw))
	for k, v := range raw {
		h[foldHeader(k)] = v
	}
	return h
}

// get returns the cell whose folded header equals one of aliases, else the
// first (in alias order) whose folded header starts with one.
func (h headers) get(aliases ...string) any {
	for _, a := range aliases {
		if v, ok := h[a]; ok {
			return v
		}
	}
	for _, a := range aliases {
		best := ""
		for k := range h {
			if strings.HasPrefix(k, a) && (best == "" || len(k) < len(best) || (len(k) == len(best) && k < best)) {
				best = k
			}
		}
		if best != "" {
			return h[best]
		}
	}
	return nil
}
