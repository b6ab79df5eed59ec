package dataset

import (
	"regexp"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// Production is the state-wise area, production and yield (APY) dataset,
// partitioned by fiscal year ("2024-2025").
const Production Kind = "apy"

// Row keys produced by the APY header scan.
const (
	apyState        = "State"
	apyArea         = "Area"
	apyProduction   = "Production"
	apyProductivity = "Productivity"
	apyCrop         = "Crop"
)

// ProductionRow is a normalized production statistics record. Missing
// statistics are nil.
type ProductionRow struct {
	StateName    string
	Variety      string
	Area         *float64
	Production   *float64
	Productivity *float64
	ImportedFrom string
	CreatedAt    time.Time
}

func (r ProductionRow) Document() store.Document {
	return store.Document{
		FieldStateName:    r.StateName,
		FieldVariety:      r.Variety,
		FieldArea:         r.Area,
		FieldProduction:   r.Production,
		FieldProductivity: r.Productivity,
		FieldImportedFrom: r.ImportedFrom,
		FieldCreatedAt:    r.CreatedAt,
	}
}

// ProductionRowOf reads a stored production document.
func ProductionRowOf(d store.Document) ProductionRow {
	f := func(k string) *float64 { p, _ := d[k].(*float64); return p }
	return ProductionRow{
		StateName:    d.String(FieldStateName),
		Variety:      d.String(FieldVariety),
		Area:         f(FieldArea),
		Production:   f(FieldProduction),
		Productivity: f(FieldProductivity),
		ImportedFrom: d.String(FieldImportedFrom),
		CreatedAt:    d.Time(FieldCreatedAt),
	}
}

// NormalizeProduction maps a raw row from the APY header scan.
func NormalizeProduction(raw tabular.Row, p Provenance) (ProductionRow, bool) {
	r := ProductionRow{
		StateName:    Text(raw[apyState]),
		Variety:      Text(raw[apyCrop]),
		Area:         Stat(raw[apyArea]),
		Production:   Stat(raw[apyProduction]),
		Productivity: Stat(raw[apyProductivity]),
		ImportedFrom: p.ImportedFrom,
		CreatedAt:    p.At,
	}
	if r.StateName == "" {
		return ProductionRow{}, false
	}
	return r, true
}

var productionKey = regexp.MustCompile(`^\d{4}-\d{4}$`)

// Aggregate rows in APY reports.
var productionAggregates = []string{"India", "All India", "Total", "Grand Total"}

type production struct{}

func init() { Register(production{}) }

func (production) Kind() Kind                 { return Production }
func (production) Description() string        { return "State-wise crop area, production and productivity" }
func (production) Prefix() string             { return "apy_" }
func (production) KeyPattern() *regexp.Regexp { return productionKey }
func (production) Policy() Policy             { return Replace }
func (production) NaturalKey() []string       { return nil }
func (production) DateField() string          { return "" }
func (production) Substring() []string        { return []string{FieldVariety} }

func (production) Sort() []store.SortField {
	return []store.SortField{{Field: FieldStateName}, {Field: FieldVariety}}
}

func (production) Schema() store.Schema {
	return store.Schema{
		Collection: "apy_data",
		Fields: []store.Field{
			{Name: FieldStateName, Type: store.String},
			{Name: FieldVariety, Type: store.String},
			{Name: FieldArea, Type: store.NullFloat},
			{Name: FieldProduction, Type: store.NullFloat},
			{Name: FieldProductivity, Type: store.NullFloat},
			{Name: FieldImportedFrom, Type: store.String},
			{Name: FieldCreatedAt, Type: store.Time},
		},
		Indexes: [][]string{{FieldStateName}},
	}
}

// The header row floats below a free-form title block, same layout for every format.
func (production) Layout(tabular.Format) tabular.Layout {
	return tabular.HeaderScan{
		Markers: []string{"State", "States/UT"},
		Key:     apyState,
		Columns: []tabular.Column{
			{Key: apyArea, Match: "Area", Required: true},
			{Key: apyProduction, Match: "Production", Required: true},
			{Key: apyProductivity, Match: "Productivity", Required: true},
			{Key: apyCrop, Match: "Crop"},
		},
		Exclude: productionAggregates,
	}
}

func (production) Normalize(raw tabular.Row, p Provenance) (store.Document, bool) {
	r, ok := NormalizeProduction(raw, p)
	if !ok {
		return nil, false
	}
	return r.Document(), true
}

func (production) Facets() []Facet {
	return []Facet{
		{Name: FieldStateName, Field: FieldStateName},
		{Name: FieldVariety, Field: FieldVariety},
	}
}
