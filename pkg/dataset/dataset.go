// Package dataset defines the year-partitioned data domains: their record
// schema, partition key format, upload layout and row normalization.
package dataset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// Kind names a dataset (e.g. "market").
type Kind string

// ErrUnknownKind is returned by Get for an unregistered kind.
var ErrUnknownKind = errors.New("unknown dataset kind")

// Policy is how an upload is written into its partition.
type Policy int

const (
	// Merge inserts rows not already present by natural key.
	Merge Policy = iota
	// Replace discards the partition's rows and stores the upload.
	Replace
)

func (p Policy) String() string {
	if p == Replace {
		return "replace"
	}
	return "merge"
}

// Provenance is stamped on every normalized row.
type Provenance struct {
	// ImportedFrom is the uploaded file name.
	ImportedFrom string
	At           time.Time
}

// Facet is a distinct-values listing, optionally narrowed by the caller's
// selection on other fields.
type Facet struct {
	// Name is the key in the response.
	Name  string
	Field string
	// NarrowBy lists the fields whose selected values restrict this facet.
	NarrowBy []string
}

// Dataset is one partitioned data domain.
type Dataset interface {
	Kind() Kind
	Description() string
	// Prefix is prepended to the sanitized partition key to name its namespace.
	Prefix() string
	KeyPattern() *regexp.Regexp
	Schema() store.Schema
	// Layout returns how uploads of the given format are laid out.
	Layout(f tabular.Format) tabular.Layout
	// Normalize maps a raw row onto the schema. It reports false for rows
	// missing identity fields; those are dropped, not errors.
	Normalize(raw tabular.Row, p Provenance) (store.Document, bool)
	Policy() Policy
	// NaturalKey lists the fields identifying a duplicate row under Merge.
	NaturalKey() []string
	// Sort orders query results.
	Sort() []store.SortField
	// Substring lists the filterable fields matched by substring instead of equality.
	Substring() []string
	// DateField is the field bounded by from/to in queries, "" for none.
	DateField() string
	Facets() []Facet
}

var (
	registryMu sync.RWMutex
	datasets   = make(map[Kind]Dataset)
)

// Catalog prefixes reserved for the non-partitioned entity kinds, so their
// namespaces stay disjoint from the year partitions.
var catalogPrefixes = map[Kind]string{
	"pest":    "pest_",
	"disease": "disease_",
	"hybrid":  "hybrid_",
	"variety": "variety_",
}

// Register adds a dataset to the global registry.
func Register(d Dataset) {
	registryMu.Lock()
	defer registryMu.Unlock()
	datasets[d.Kind()] = d
}

// Get returns a registered dataset by kind.
func Get(kind Kind) (Dataset, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := datasets[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return d, nil
}

// All returns all registered datasets sorted by kind.
func All() []Dataset {
	registryMu.RLock()
	defer registryMu.RUnlock()
	result := make([]Dataset, 0, len(datasets))
	for _, d := range datasets {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind() < result[j].Kind() })
	return result
}

// Prefixes returns the namespace prefix of every registered dataset and
// reserved catalog kind.
func Prefixes() map[Kind]string {
	out := make(map[Kind]string, len(catalogPrefixes))
	for k, p := range catalogPrefixes {
		out[k] = p
	}
	for _, d := range All() {
		out[d.Kind()] = d.Prefix()
	}
	return out
}
