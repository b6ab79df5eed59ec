package dataset

import (
	"regexp"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// Market is the daily mandi price dataset, partitioned by calendar year.
const Market Kind = "market"

// Record field names shared by both datasets.
const (
	FieldStateName    = "stateName"
	FieldDistrictName = "districtName"
	FieldMarketName   = "marketName"
	FieldVariety      = "variety"
	FieldGroup        = "group"
	FieldArrivals     = "arrivals"
	FieldMinPrice     = "minPrice"
	FieldMaxPrice     = "maxPrice"
	FieldModalPrice   = "modalPrice"
	FieldReportedDate = "reportedDate"
	FieldArea         = "area"
	FieldProduction   = "production"
	FieldProductivity = "productivity"
	FieldImportedFrom = "importedFrom"
	FieldCreatedAt    = "createdAt"
)

// MarketRow is a normalized market price record.
type MarketRow struct {
	StateName    string
	DistrictName string
	MarketName   string
	Variety      string
	Group        string
	// Arrivals keeps the source token verbatim ("12.5", "NR").
	Arrivals     string
	MinPrice     float64
	MaxPrice     float64
	ModalPrice   float64
	ReportedDate time.Time
	ImportedFrom string
	CreatedAt    time.Time
}

// Document converts the row to its stored form.
func (r MarketRow) Document() store.Document {
	return store.Document{
		FieldStateName:    r.StateName,
		FieldDistrictName: r.DistrictName,
		FieldMarketName:   r.MarketName,
		FieldVariety:      r.Variety,
		FieldGroup:        r.Group,
		FieldArrivals:     r.Arrivals,
		FieldMinPrice:     r.MinPrice,
		FieldMaxPrice:     r.MaxPrice,
		FieldModalPrice:   r.ModalPrice,
		FieldReportedDate: r.ReportedDate,
		FieldImportedFrom: r.ImportedFrom,
		FieldCreatedAt:    r.CreatedAt,
	}
}

// MarketRowOf reads a stored market document.
func MarketRowOf(d store.Document) MarketRow {
	f := func(k string) float64 { n, _ := d[k].(float64); return n }
	return MarketRow{
		StateName:    d.String(FieldStateName),
		DistrictName: d.String(FieldDistrictName),
		MarketName:   d.String(FieldMarketName),
		Variety:      d.String(FieldVariety),
		Group:        d.String(FieldGroup),
		Arrivals:     d.String(FieldArrivals),
		MinPrice:     f(FieldMinPrice),
		MaxPrice:     f(FieldMaxPrice),
		ModalPrice:   f(FieldModalPrice),
		ReportedDate: d.Time(FieldReportedDate),
		ImportedFrom: d.String(FieldImportedFrom),
		CreatedAt:    d.Time(FieldCreatedAt),
	}
}

// NormalizeMarket maps a raw upload row. Rows without state, district and
// market names are rejected.
func NormalizeMarket(raw tabular.Row, p Provenance) (MarketRow, bool) {
	h := foldRow(raw)
	r := MarketRow{
		StateName:    Text(h.get("statename", "state")),
		DistrictName: Text(h.get("districtname", "district")),
		MarketName:   Text(h.get("marketname", "market")),
		Variety:      Text(h.get("variety")),
		Group:        Text(h.get("group", "commoditygroup")),
		Arrivals:     Text(h.get("arrivals")),
		MinPrice:     Price(h.get("minprice", "minimumprice")),
		MaxPrice:     Price(h.get("maxprice", "maximumprice")),
		ModalPrice:   Price(h.get("modalprice")),
		ReportedDate: CoerceDate(h.get("reporteddate", "pricedate", "arrivaldate", "date"), p.At),
		ImportedFrom: p.ImportedFrom,
		CreatedAt:    p.At,
	}
	if r.StateName == "" || r.DistrictName == "" || r.MarketName == "" {
		return MarketRow{}, false
	}
	return r, true
}

var marketKey = regexp.MustCompile(`^\d{4}$`)

type market struct{}

func init() { Register(market{}) }

func (market) Kind() Kind                 { return Market }
func (market) Description() string        { return "Daily market (mandi) commodity prices" }
func (market) Prefix() string             { return "market_" }
func (market) KeyPattern() *regexp.Regexp { return marketKey }
func (market) Policy() Policy             { return Merge }
func (market) DateField() string          { return FieldReportedDate }
func (market) Substring() []string        { return []string{FieldVariety, FieldArrivals} }

func (market) NaturalKey() []string {
	return []string{FieldMarketName, FieldReportedDate, FieldVariety, FieldGroup}
}

func (market) Sort() []store.SortField {
	return []store.SortField{{Field: FieldReportedDate}}
}

func (market) Schema() store.Schema {
	return store.Schema{
		Collection: "market_data",
		Fields: []store.Field{
			{Name: FieldStateName, Type: store.String},
			{Name: FieldDistrictName, Type: store.String},
			{Name: FieldMarketName, Type: store.String},
			{Name: FieldVariety, Type: store.String},
			{Name: FieldGroup, Type: store.String},
			{Name: FieldArrivals, Type: store.String},
			{Name: FieldMinPrice, Type: store.Float},
			{Name: FieldMaxPrice, Type: store.Float},
			{Name: FieldModalPrice, Type: store.Float},
			{Name: FieldReportedDate, Type: store.Time},
			{Name: FieldImportedFrom, Type: store.String},
			{Name: FieldCreatedAt, Type: store.Time},
		},
		Unique: []string{FieldMarketName, FieldReportedDate, FieldVariety, FieldGroup},
		Indexes: [][]string{
			{FieldReportedDate},
			{FieldStateName, FieldDistrictName},
		},
	}
}

// Spreadsheet exports carry a report title on the first line.
func (market) Layout(f tabular.Format) tabular.Layout {
	if f.Spreadsheet() {
		return tabular.HeaderAt(1)
	}
	return tabular.HeaderAt(0)
}

func (market) Normalize(raw tabular.Row, p Provenance) (store.Document, bool) {
	r, ok := NormalizeMarket(raw, p)
	if !ok {
		return nil, false
	}
	return r.Document(), true
}

func (market) Facets() []Facet {
	return []Facet{
		{Name: FieldStateName, Field: FieldStateName},
		{Name: FieldDistrictName, Field: FieldDistrictName, NarrowBy: []string{FieldStateName}},
		{Name: FieldMarketName, Field: FieldMarketName, NarrowBy: []string{FieldStateName, FieldDistrictName}},
		{Name: FieldVariety, Field: FieldVariety},
		{Name: "groups", Field: FieldGroup},
	}
}
