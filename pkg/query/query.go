// Package query reads partition rows for listing and filter menus.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/store"
)

// ErrInvalidFilter is returned for filters on unknown fields or malformed dates.
var ErrInvalidFilter = errors.New("invalid filter")

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// DayLayout is the format of the From and To bounds.
const DayLayout = "2006-01-02"

// Params selects and pages partition rows.
type Params struct {
	// Filters maps a field name to its wanted value. A comma-separated value
	// matches any of its items; substring fields match case-insensitively.
	Filters map[string]string
	// From and To bound the dataset's date field, inclusive, as YYYY-MM-DD.
	From, To string
	Page     int
	Limit    int
}

// Page is one page of query results.
type Page struct {
	Data       []store.Document `json:"data"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	TotalPages int              `json:"totalPages"`
}

// Service answers queries over declared partitions.
type Service struct {
	catalog  *partition.Catalog
	registry *partition.Registry
}

func NewService(catalog *partition.Catalog, registry *partition.Registry) *Service {
	return &Service{catalog: catalog, registry: registry}
}

func (s *Service) collection(ctx context.Context, ds dataset.Dataset, key string) (store.Collection, error) {
	if err := s.catalog.Require(ctx, ds, key); err != nil {
		return nil, err
	}
	return s.registry.Accessor(ctx, ds, key)
}

// Query returns the rows of a partition matching p, sorted by the dataset's
// sort order.
func (s *Service) Query(ctx context.Context, ds dataset.Dataset, key string, p Params) (Page, error) {
	f, err := BuildFilter(ds, p)
	if err != nil {
		return Page{}, err
	}
	coll, err := s.collection(ctx, ds, key)
	if err != nil {
		return Page{}, err
	}

	page, limit := p.Page, p.Limit
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	total, err := coll.Count(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("count %s: %w", partition.Namespace(ds, key), err)
	}
	out := Page{
		Data:       []store.Document{},
		Total:      total,
		Page:       page,
		TotalPages: int((total + int64(limit) - 1) / int64(limit)),
	}
	// Pages past the end are empty; the skip below stays within total.
	if page > out.TotalPages {
		return out, nil
	}
	docs, err := coll.Find(ctx, f, store.FindOptions{
		Sort:  ds.Sort(),
		Skip:  int64(page-1) * int64(limit),
		Limit: int64(limit),
	})
	if err != nil {
		return Page{}, fmt.Errorf("find %s: %w", partition.Namespace(ds, key), err)
	}
	if docs != nil {
		out.Data = docs
	}
	return out, nil
}

// BuildFilter translates query parameters into a storage filter.
func BuildFilter(ds dataset.Dataset, p Params) (store.Filter, error) {
	schema := ds.Schema()
	substring := ds.Substring()

	// Sorted for a deterministic condition order.
	fields := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		fields = append(fields, k)
	}
	slices.Sort(fields)

	var f store.Filter
	for _, name := range fields {
		value := strings.TrimSpace(p.Filters[name])
		if value == "" {
			continue
		}
		fld, ok := schema.Field(name)
		if !ok || fld.Type != store.String {
			return nil, fmt.Errorf("%w: %s is not a filterable field", ErrInvalidFilter, name)
		}
		switch {
		case strings.Contains(value, ","):
			f = f.AndIn(name, splitList(value)...)
		case slices.Contains(substring, name):
			f = f.AndContains(name, value)
		default:
			f = f.And(name, value)
		}
	}

	if p.From == "" && p.To == "" {
		return f, nil
	}
	if ds.DateField() == "" {
		return nil, fmt.Errorf("%w: %s has no date field", ErrInvalidFilter, ds.Kind())
	}
	var from, to any
	if p.From != "" {
		t, err := parseDay(p.From)
		if err != nil {
			return nil, err
		}
		from = t
	}
	if p.To != "" {
		t, err := parseDay(p.To)
		if err != nil {
			return nil, err
		}
		to = t
	}
	return f.AndRange(ds.DateField(), from, to), nil
}

func parseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidFilter, s)
	}
	return t, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// DistinctValues lists the values of each of the dataset's facets. A facet
// narrowed by another field only lists values co-occurring with the selected
// values of that field.
func (s *Service) DistinctValues(ctx context.Context, ds dataset.Dataset, key string, selected map[string][]string) (map[string][]string, error) {
	coll, err := s.collection(ctx, ds, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, facet := range ds.Facets() {
		var f store.Filter
		for _, by := range facet.NarrowBy {
			f = f.AndIn(by, selected[by]...)
		}
		values, err := coll.Distinct(ctx, facet.Field, f)
		if err != nil {
			return nil, fmt.Errorf("distinct %s in %s: %w", facet.Field, partition.Namespace(ds, key), err)
		}
		if values == nil {
			values = []string{}
		}
		out[facet.Name] = values
	}
	return out, nil
}

// SplitSelection turns comma-separated selections into value lists.
func SplitSelection(raw map[string]string) map[string][]string {
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		if items := splitList(v); len(items) > 0 {
			out[k] = items
		}
	}
	return out
}
